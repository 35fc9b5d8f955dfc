package mp4

import "github.com/arvow/vodstream/internal/bigendian"

// TableIndex locates a position within one of the stbl sub-tables: an
// entry number, plus how far into that entry's run the position falls.
type TableIndex struct {
	Index  uint32
	Offset uint32
}

// Seek is the compiled result of resolving a requested time against a
// track's sample tables: the corrected time, the byte offset of the
// sample, and the table indices needed to splice every sub-table
// consistently at that point.
type Seek struct {
	Time   uint64
	Offset uint64

	Stts TableIndex
	Ctts TableIndex
	Stss TableIndex
	Stsc TableIndex
	Stsz TableIndex
	Coxx TableIndex

	// StscEntry holds a synthetic 12-byte stsc entry inserted when a
	// seek point falls mid-chunk; only meaningful when Coxx.Offset != 0
	// for this Seek (used as "activated" flag, matching the original).
	StscEntry [12]byte
}

// Table is one stbl child table (stts, ctts, stss, stsc, stsz, or
// stco/co64): a version/flags header followed by fixed-width entries.
type Table struct {
	Atom    Atom
	Version uint8
	Flags   uint32
	Size    uint32 // stsz: default (constant) sample size, 0 if variable
	Count   uint32
	Data    []byte // entries, sub-slice of Atom.Data[headerBytes:]

	EntryBytes  int
	headerBytes int // 8 for stts/ctts/stss/stsc/coxx, 12 for a variable-size stsz
}

// Void reports whether this table was never populated.
func (t Table) Void() bool { return t.Atom.Size == 0 }

func (t *Table) init() {
	if t.Void() {
		return
	}
	t.headerBytes = 8
	t.Version = t.Atom.Data[0]
	t.Flags = bigendian.Read24(t.Atom.Data[1:4])
	t.Count = bigendian.Read32(t.Atom.Data[4:8])
	t.Data = t.Atom.Data[8:]
}

func (t *Table) initStsz() {
	t.Version = t.Atom.Data[0]
	t.Flags = bigendian.Read24(t.Atom.Data[1:4])
	t.Size = bigendian.Read32(t.Atom.Data[4:8])
	if t.Size == 0 {
		t.headerBytes = 12
		t.Count = bigendian.Read32(t.Atom.Data[8:12])
		t.Data = t.Atom.Data[12:]
	} else {
		t.Count = 0
		t.Data = nil
	}
}

func (t Table) readEntry(i uint32, width int) uint64 {
	off := int(i) * t.EntryBytes
	return bigendian.ReadWidth(t.Data[off:off+width/8], width)
}

// SampleTable is the stbl box: sample description plus the six
// time/chunk/size/offset tables that together map decode time to a
// byte range in the file.
type SampleTable struct {
	Atom Atom

	MaxOffset  uint64
	MaxChunks  uint64
	MaxSamples uint64
	MaxTime    uint64

	Stsd Atom
	Stts Table
	Ctts Table
	Stss Table
	Stsc Table
	Stsz Table
	Coxx Table // stco (32-bit) or co64 (64-bit)
}

// errMissingTable names which required sub-table was absent.
type errMissingTable string

func (e errMissingTable) Error() string { return "mp4: missing " + string(e) }

// parseStbl walks stbl's children, populating the six sub-tables and
// rejecting a box that lacks any of the four tables a bit-exact seek
// cannot work without.
func parseStbl(stbl *SampleTable) error {
	resetCursor(&stbl.Atom)
	left := 7
	for left > 0 && stbl.Atom.pos < len(stbl.Atom.Data) {
		child, err := childAtom(&stbl.Atom)
		if err != nil {
			break
		}
		switch child.Type {
		case TypeStsd:
			stbl.Stsd = child
			left--
		case TypeStts:
			stbl.Stts = Table{Atom: child, EntryBytes: 8}
			left--
		case TypeCtts:
			stbl.Ctts = Table{Atom: child, EntryBytes: 8}
			left--
		case TypeStss:
			stbl.Stss = Table{Atom: child, EntryBytes: 4}
			left--
		case TypeStsc:
			stbl.Stsc = Table{Atom: child, EntryBytes: 12}
			left--
		case TypeStsz:
			stbl.Stsz = Table{Atom: child, EntryBytes: 4}
			left--
		case TypeStco:
			stbl.Coxx = Table{Atom: child, EntryBytes: 4}
			left--
		case TypeCo64:
			stbl.Coxx = Table{Atom: child, EntryBytes: 8}
			left--
		}
	}

	if stbl.Stts.Void() {
		return errMissingTable("stts")
	}
	if stbl.Stsc.Void() {
		return errMissingTable("stsc")
	}
	if stbl.Stsz.Void() {
		return errMissingTable("stsz")
	}
	if stbl.Coxx.Void() {
		return errMissingTable("stco/co64")
	}

	stbl.Stts.init()
	stbl.Ctts.init()
	stbl.Stss.init()
	stbl.Stsc.init()
	stbl.Stsz.initStsz()
	stbl.Coxx.init()
	return nil
}

// computeLimits precomputes MaxSamples/MaxTime/MaxChunks/MaxOffset for
// a parsed stbl, each computed once and reused by every seek compiled
// against it. MaxOffset is built by walking stsz from the END backward
// across the last chunk's residual samples, since sample sizes can
// vary within the final chunk.
func computeLimits(stbl *SampleTable) {
	var sampleCount, totalTime uint64
	for i := uint32(0); i < stbl.Stts.Count; i++ {
		count := stbl.Stts.readEntry(i, 32) // entry[0]: sample count
		dur := bigendian.Read32(stbl.Stts.Data[i*8+4 : i*8+8])
		sampleCount += count
		totalTime += count * uint64(dur)
	}
	stbl.MaxSamples = sampleCount
	stbl.MaxTime = totalTime

	stbl.MaxChunks = uint64(stbl.Coxx.Count)

	lastStsc := (stbl.Stsc.Count - 1) * 12
	samplesPerChunk := uint64(bigendian.Read32(stbl.Stsc.Data[lastStsc+4 : lastStsc+8]))

	lastChunkOffset := stbl.Coxx.readEntry(stbl.Coxx.Count-1, stbl.Coxx.EntryBytes*8)
	maxOffset := lastChunkOffset
	for i := uint64(0); i < samplesPerChunk; i++ {
		if stbl.Stsz.Size != 0 {
			maxOffset += uint64(stbl.Stsz.Size)
		} else {
			idx := uint64(stbl.Stsz.Count) - i - 1
			maxOffset += uint64(bigendian.Read32(stbl.Stsz.Data[idx*4 : idx*4+4]))
		}
	}
	stbl.MaxOffset = maxOffset
}

// compileSeek resolves seek.Time (already in the track's media scale)
// against stbl, in the fixed order: stts walk, stss snap, ctts walk,
// stsc walk, stco/co64 read, stsz accumulation.
func compileSeek(stbl *SampleTable, seek *Seek) {
	// 1. stts walk (decode time -> sample).
	var sampleNumber, cumCount uint64
	var cumTime uint64
	var dur uint64 = 0
	idx := uint32(0)
	for ; idx < stbl.Stts.Count; idx++ {
		count := uint64(bigendian.Read32(stbl.Stts.Data[idx*8 : idx*8+4]))
		d := uint64(bigendian.Read32(stbl.Stts.Data[idx*8+4 : idx*8+8]))
		whole := count * d
		if cumTime+whole > seek.Time {
			dur = d
			break
		}
		cumCount += count
		cumTime += whole
		dur = 1
	}
	seek.Stts.Index = idx
	var sttsOffset uint64
	if dur != 0 {
		sttsOffset = (seek.Time - cumTime) / dur
	}
	seek.Stts.Offset = uint32(sttsOffset)
	seek.Time = minU64(cumTime+sttsOffset*dur, stbl.MaxTime)
	sampleNumber = minU64(cumCount+sttsOffset, stbl.MaxSamples)
	seek.Stsz.Index = uint32(sampleNumber)

	// 2. stss snap (keyframe).
	seek.Stss.Index = 0
	if !stbl.Stss.Void() {
		target := uint64(seek.Stsz.Index)
		var stepsBack uint64

		if target < uint64(stbl.Stsz.Count) {
			seek.Stsz.Index = 0
			seek.Stss.Index = 1
			var newSample uint64
			for ; seek.Stss.Index < stbl.Stss.Count; seek.Stss.Index++ {
				n := uint64(bigendian.Read32(stbl.Stss.Data[seek.Stss.Index*4:seek.Stss.Index*4+4])) - 1
				if n > target {
					seek.Stss.Index--
					break
				}
				newSample = n
			}
			seek.Stsz.Index = uint32(newSample)
		} else {
			seek.Stss.Index = stbl.Stss.Count
		}

		stepsBack = target - uint64(seek.Stsz.Index)

		var d uint64
		if seek.Stts.Offset != 0 {
			d = uint64(bigendian.Read32(stbl.Stts.Data[seek.Stts.Index*8+4 : seek.Stts.Index*8+8]))
		}
		for stepsBack > 0 {
			if seek.Stts.Offset != 0 {
				seek.Stts.Offset--
			} else {
				seek.Stts.Index--
				count := bigendian.Read32(stbl.Stts.Data[seek.Stts.Index*8 : seek.Stts.Index*8+4])
				seek.Stts.Offset = count - 1
				d = uint64(bigendian.Read32(stbl.Stts.Data[seek.Stts.Index*8+4 : seek.Stts.Index*8+8]))
			}
			seek.Time -= d
			stepsBack--
		}
	}

	// 3. ctts walk (composition offset).
	if !stbl.Ctts.Void() {
		var n uint64
		idx = 0
		for ; idx < stbl.Ctts.Count; idx++ {
			count := uint64(bigendian.Read32(stbl.Ctts.Data[idx*8 : idx*8+4]))
			if n+count > uint64(seek.Stsz.Index) {
				break
			}
			n += count
		}
		seek.Ctts.Index = idx
		seek.Ctts.Offset = seek.Stsz.Index - uint32(n)
	}

	// 4. stsc walk (sample -> chunk).
	var sampleAccum uint64
	idx = 0
	chunkCursor := uint64(0)
	var samplesPerChunk uint64 = 0
	for ; idx < stbl.Stsc.Count; idx++ {
		spc := uint64(bigendian.Read32(stbl.Stsc.Data[idx*12+4 : idx*12+8]))
		var nextChunk uint64
		if idx == stbl.Stsc.Count-1 {
			nextChunk = stbl.MaxChunks
		} else {
			nextChunk = uint64(bigendian.Read32(stbl.Stsc.Data[idx*12+12:idx*12+16])) - 1
		}
		chunksInEntry := nextChunk - chunkCursor
		samplesInEntry := chunksInEntry * spc
		if sampleAccum+samplesInEntry > uint64(seek.Stsz.Index) {
			samplesPerChunk = spc
			break
		}
		sampleAccum += samplesInEntry
		chunkCursor += chunksInEntry
		samplesPerChunk = 1
	}
	seek.Stsc.Index = idx
	withinEntry := uint64(seek.Stsz.Index) - sampleAccum
	stscOffset := withinEntry / samplesPerChunk
	seek.Stsc.Offset = uint32(stscOffset)
	chunkCursor += stscOffset
	seek.Coxx.Index = uint32(chunkCursor)
	seek.Coxx.Offset = uint32(withinEntry % samplesPerChunk)

	// 5. stco/co64 read.
	if uint64(seek.Coxx.Index) < stbl.MaxChunks {
		seek.Offset = stbl.Coxx.readEntry(seek.Coxx.Index, stbl.Coxx.EntryBytes*8)
	} else {
		seek.Offset = stbl.MaxOffset
	}

	// 6. stsz accumulation.
	if stbl.Stsz.Size != 0 {
		seek.Offset += uint64(seek.Coxx.Offset) * uint64(stbl.Stsz.Size)
	} else if seek.Coxx.Offset != 0 {
		n := seek.Coxx.Offset
		for n > 0 {
			idx := uint64(seek.Stsz.Index) - uint64(n)
			seek.Offset += uint64(bigendian.Read32(stbl.Stsz.Data[idx*4 : idx*4+4]))
			n--
		}
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
