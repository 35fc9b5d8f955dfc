package mp4

import (
	"errors"
	"io"
	"math"

	"github.com/arvow/vodstream/internal/bigendian"
	"github.com/arvow/vodstream/internal/cache"
)

var errInvalidMovie = errors.New("mp4: movie header has zero scale or duration")

// Request is a pseudo-seek request against an MP4 source, mirroring
// the fields the engine's per-stream state carries.
type Request struct {
	Path       string
	HTTPVer    string
	Period     float64
	Start      float64
	Stop       float64
	Spatial    bool
	FileLength int64
	ServerName string
	ServerVer  string
}

// Result is everything the stream sender needs to serve the response:
// the synthesized head, the byte range to copy from the source file,
// and the offsets table for play-ahead throttling.
type Result struct {
	Head        []byte
	FileOffset  int64
	FileFinish  int64
	Periods     int
	Offsets     []int64
	Start, Stop float64
}

// Parse implements the MP4 parser contract: zero-seek fast path,
// generational atom cache, moov parsing, seek compilation, splicing,
// and head synthesis, mirroring stream_mp4_parse's structure.
func Parse(r io.ReaderAt, req Request, c *cache.Cache) (*Result, error) {
	offsetsKey := cache.Key(req.Path, cache.KeyOffsets)
	zeroHeadKey := cache.Key(req.Path, cache.KeyZeroHead)
	zeroLimitsKey := cache.Key(req.Path, cache.KeyZeroLimits)

	var offsets []int64
	if raw, ok := c.Get(offsetsKey); ok {
		offsets = decodeOffsets(raw)
	}

	if offsets != nil && req.Start == 0 && req.Stop == 0 {
		if headRaw, ok := c.Get(zeroHeadKey); ok {
			if limitsRaw, ok2 := c.Get(zeroLimitsKey); ok2 && len(limitsRaw) == 16 {
				return &Result{
					Head:       headRaw,
					FileOffset: int64(bigendian.Read64(limitsRaw[0:8])),
					FileFinish: int64(bigendian.Read64(limitsRaw[8:16])),
					Periods:    len(offsets),
					Offsets:    offsets,
				}, nil
			}
		}
	}

	ftypKey := cache.Key(req.Path, cache.KeyAtomFtyp)
	moovKey := cache.Key(req.Path, cache.KeyAtomMoov)
	mdatKey := cache.Key(req.Path, cache.KeyAtomMdat)

	ftypRaw, _ := c.Get(ftypKey)
	moovRaw, okMoov := c.Get(moovKey)
	mdatRaw, okMdat := c.Get(mdatKey)

	if !okMoov || !okMdat {
		var err error
		ftypRaw, moovRaw, mdatRaw, err = scanTopLevel(r, req.FileLength)
		if err != nil {
			return nil, err
		}
		pairs := map[string][]byte{moovKey: moovRaw, mdatKey: mdatRaw}
		if ftypRaw != nil {
			pairs[ftypKey] = ftypRaw
		}
		c.PutGroup(pairs)
	}

	var f File
	if ftypRaw != nil {
		if a, err := atomFromBlob(ftypRaw); err == nil {
			f.Ftyp = a
		}
	}

	moovAtom, err := atomFromBlob(moovRaw)
	if err != nil {
		return nil, err
	}
	f.Moov.Atom = moovAtom

	mdatAtom, err := atomFromBlob(mdatRaw)
	if err != nil {
		return nil, err
	}
	f.Mdat = mdatAtom

	if err := parseMoov(&f.Moov); err != nil {
		return nil, err
	}

	if f.Moov.Mvhd.Scale == 0 {
		return nil, errInvalidMovie
	}
	periods := int(math.Ceil(float64(f.Moov.Mvhd.Duration) / float64(f.Moov.Mvhd.Scale)))
	if periods == 0 {
		return nil, errInvalidMovie
	}

	if !f.Moov.VTrak.Void() {
		computeLimits(&f.Moov.VTrak.Mdia.Minf.Stbl)
	}
	if !f.Moov.STrak.Void() {
		computeLimits(&f.Moov.STrak.Mdia.Minf.Stbl)
	}

	if offsets == nil {
		trak := &f.Moov.VTrak
		if trak.Void() {
			trak = &f.Moov.STrak
		}
		offsets = walkOffsets(&trak.Mdia.Minf.Stbl, req.Period*float64(trak.Mdia.Mdhd.Scale), periods)
		c.Put(offsetsKey, encodeOffsets(offsets))
	}

	start, stop := req.Start, req.Stop
	if req.Spatial {
		start = normalizeSpatial(offsets, req.Period, start)
		stop = normalizeSpatial(offsets, req.Period, stop)
	}

	var fileOffset, fileFinish uint64
	compileTrak(&start, &stop, &fileOffset, &fileFinish, &f.Moov.VTrak, f.Moov.Mvhd.Scale)
	compileTrak(&start, &stop, &fileOffset, &fileFinish, &f.Moov.STrak, f.Moov.Mvhd.Scale)
	compileMoov(&f.Moov)
	compileMdat(&f.Mdat, fileOffset, fileFinish)

	head := buildHead(req.HTTPVer, req.ServerName, req.ServerVer, fileOffset, fileFinish, &f)

	if req.Start == 0 && req.Stop == 0 {
		limits := make([]byte, 16)
		bigendian.Write64(limits[0:8], fileOffset)
		bigendian.Write64(limits[8:16], fileFinish)
		c.PutGroup(map[string][]byte{zeroHeadKey: head.Bytes, zeroLimitsKey: limits})
	}

	return &Result{
		Head:       head.Bytes,
		FileOffset: int64(fileOffset),
		FileFinish: int64(fileFinish),
		Periods:    periods,
		Offsets:    offsets,
		Start:      start,
		Stop:       stop,
	}, nil
}

// scanTopLevel walks the file's top-level atoms looking for ftyp, moov
// and mdat: ftyp/moov are captured in full (header+payload), mdat only
// as its bare header (its payload is streamed straight from the source
// file later, never buffered). Any other top-level atom (free, skip,
// wide, ...) is skipped over without affecting the search.
func scanTopLevel(r io.ReaderAt, fileLength int64) (ftyp, moov, mdat []byte, err error) {
	left := 3
	var offset uint64
	for left > 0 && int64(offset) < fileLength {
		a, _, err := readAtomHeader(r, offset)
		if err != nil {
			return nil, nil, nil, err
		}

		switch a.Type {
		case TypeFtyp:
			if ftyp, err = readRawRange(r, a.Start, a.Size); err != nil {
				return nil, nil, nil, err
			}
			left--
		case TypeMoov:
			if moov, err = readRawRange(r, a.Start, a.Size); err != nil {
				return nil, nil, nil, err
			}
			left--
		case TypeMdat:
			headerLen := a.DataStart - a.Start
			if mdat, err = readRawRange(r, a.Start, headerLen); err != nil {
				return nil, nil, nil, err
			}
			left--
		}

		offset = a.End
	}

	if moov == nil {
		return nil, nil, nil, errMissingTable("moov")
	}
	if mdat == nil {
		return nil, nil, nil, errMissingTable("mdat")
	}
	return ftyp, moov, mdat, nil
}

func readRawRange(r io.ReaderAt, start, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if size > 0 {
		if _, err := r.ReadAt(buf, int64(start)); err != nil {
			return nil, errTruncated
		}
	}
	return buf, nil
}

// atomFromBlob reconstructs a top-level Atom from a raw header(+payload)
// blob exactly as stored in the cache. For ftyp/moov the blob holds the
// full atom; for mdat only the header, so DataSize ends up 0 here — it
// is always recomputed by compileMdat before anything reads it.
func atomFromBlob(raw []byte) (Atom, error) {
	if len(raw) < 8 {
		return Atom{}, errTruncated
	}
	a := Atom{}
	size := uint64(bigendian.Read32(raw[0:4]))
	a.Type = bigendian.Read32(raw[4:8])

	headerLen := 8
	if size == 1 {
		if len(raw) < 16 {
			return Atom{}, errTruncated
		}
		a.Extended = true
		size = bigendian.Read64(raw[8:16])
		headerLen = 16
	}
	a.Size = size
	a.DataStart = uint64(headerLen)
	a.DataSize = uint64(len(raw) - headerLen)
	a.Data = raw[headerLen:]
	return a, nil
}

// walkOffsets builds a coarse, period-spaced byte-offset table used
// for play-ahead throttling and spatial-seek normalization. Unlike
// compileSeek it has no keyframe or composition-offset awareness; it
// walks stts/stsc/stco/stsz once, monotonically, carrying its cursors
// forward across periods since requested time only ever increases.
func walkOffsets(stbl *SampleTable, period float64, periods int) []int64 {
	offsets := make([]int64, periods)
	periodUnits := uint32(period)

	var sampleIdx, chunkIdx uint32
	var t, n, k, chunkLast uint32
	var target uint32

	for i := 0; i < periods; i++ {
		var dur uint32 = 0
		for ; sampleIdx < stbl.Stts.Count; sampleIdx++ {
			count := bigendian.Read32(stbl.Stts.Data[sampleIdx*8 : sampleIdx*8+4])
			d := bigendian.Read32(stbl.Stts.Data[sampleIdx*8+4 : sampleIdx*8+8])
			whole := count * d
			if t+whole > target {
				dur = d
				break
			}
			n += count
			t += whole
			dur = 1
		}
		var sampleID uint32
		if dur == 0 {
			sampleID = uint32(stbl.MaxSamples)
		} else {
			off := (target - t) / dur
			sampleID = n + off
			if uint64(sampleID) > stbl.MaxSamples {
				sampleID = uint32(stbl.MaxSamples)
			}
		}

		var chunksInEntry uint32
		for ; chunkIdx < stbl.Stsc.Count; chunkIdx++ {
			spc := bigendian.Read32(stbl.Stsc.Data[chunkIdx*12+4 : chunkIdx*12+8])
			var nextChunk uint32
			if chunkIdx == stbl.Stsc.Count-1 {
				nextChunk = uint32(stbl.MaxChunks)
			} else {
				nextChunk = bigendian.Read32(stbl.Stsc.Data[chunkIdx*12+12:chunkIdx*12+16]) - 1
			}
			chunksHere := nextChunk - chunkLast
			samplesHere := chunksHere * spc
			if k+samplesHere > sampleID {
				chunksInEntry = spc
				break
			}
			k += samplesHere
			chunkLast += chunksHere
			chunksInEntry = 1
		}

		var chunkID, chunkSample uint32
		if chunksInEntry == 0 {
			chunkID = uint32(stbl.MaxChunks)
			chunkSample = 0
		} else {
			within := sampleID - k
			chunkOffset := within / chunksInEntry
			chunkID = chunkLast + chunkOffset
			chunkSample = within % chunksInEntry
		}

		var offset uint64
		if uint64(chunkID) < stbl.MaxChunks {
			offset = stbl.Coxx.readEntry(chunkID, stbl.Coxx.EntryBytes*8)
		} else {
			offset = stbl.MaxOffset
		}

		if stbl.Stsz.Size != 0 {
			offset += uint64(chunkSample) * uint64(stbl.Stsz.Size)
		} else if chunkSample != 0 {
			for u := chunkSample; u > 0; u-- {
				idx := uint64(sampleID) - uint64(u)
				offset += uint64(bigendian.Read32(stbl.Stsz.Data[idx*4 : idx*4+4]))
			}
		}

		offsets[i] = int64(offset)
		target += periodUnits
	}

	return offsets
}

// normalizeSpatial converts a byte target into the start time (seconds)
// of the nearest whole period whose offset precedes it, or 0 if target
// is 0 or no such period exists.
func normalizeSpatial(offsets []int64, period, target float64) float64 {
	if target == 0 {
		return 0
	}
	for i := len(offsets) - 1; i >= 0; i-- {
		if float64(offsets[i]) < target {
			return float64(i) * period
		}
	}
	return 0
}

func encodeOffsets(offsets []int64) []byte {
	buf := make([]byte, len(offsets)*8)
	for i, v := range offsets {
		bigendian.Write64(buf[i*8:], uint64(v))
	}
	return buf
}

func decodeOffsets(raw []byte) []int64 {
	n := len(raw) / 8
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(bigendian.Read64(raw[i*8 : i*8+8]))
	}
	return out
}
