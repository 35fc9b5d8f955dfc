package mp4

import "github.com/arvow/vodstream/internal/bigendian"

// resizeTable trims a table's entry range to [start.Index, end.Index),
// plus the end.Index-th entry when either end or end2 (only ever used
// for stsc's companion coxx index) has a non-zero intra-entry offset — i.e. the final sample doesn't fall
// exactly on an entry boundary, so its containing entry must be kept.
func resizeTable(t *Table, start, end TableIndex, end2 *TableIndex) {
	includeLast := uint32(0)
	if end.Offset > 0 || (end2 != nil && end2.Offset > 0) {
		includeLast = 1
	}
	a := uint64(start.Index) * uint64(t.EntryBytes)
	d := (uint64(t.Count) - uint64(end.Index) - uint64(includeLast)) * uint64(t.EntryBytes)

	t.Count = end.Index - start.Index + includeLast

	t.Atom.Size -= a + d
	t.Atom.Start += a
	t.Atom.End -= d
	t.Atom.Data = t.Atom.Data[a:]
	t.Atom.DataStart += a
	t.Atom.DataSize = uint64(t.headerBytes) + uint64(t.Count)*uint64(t.EntryBytes)
	t.Atom.pos = 0
	t.Data = t.Atom.Data[t.headerBytes:]
}

// compileTable resizes a regular table (stts/ctts/stss/coxx) and
// rewrites its version/flags/count header in place.
func compileTable(t *Table, start, end TableIndex, end2 *TableIndex) {
	if t.Void() {
		return
	}
	resizeTable(t, start, end, end2)
	bigendian.Write32(t.Atom.Data[0:4], uint32(t.Version)<<24|t.Flags)
	bigendian.Write32(t.Atom.Data[4:8], t.Count)
}

// compileStsz resizes stsz only when sample sizes are variable — a
// constant-size table carries no per-sample entries to clip and is
// emitted unchanged.
func compileStsz(t *Table, start, end TableIndex, end2 *TableIndex) {
	if t.Size != 0 {
		return
	}
	resizeTable(t, start, end, end2)
	bigendian.Write32(t.Atom.Data[0:4], uint32(t.Version)<<24|t.Flags)
	bigendian.Write32(t.Atom.Data[4:8], 0)
	bigendian.Write32(t.Atom.Data[8:12], t.Count)
}

// clipXtts trims the first and last retained stts/ctts entry counts so
// the table's cumulative sample count exactly matches the clipped
// sample range (the entries themselves were already limited to
// [start.index, end.index] by resizeTable/compileTable).
func clipXtts(t *Table, offsetStart, offsetEnd uint32) {
	if t.Void() {
		return
	}
	lastOff := uint32(0)
	if t.Count > 0 {
		lastOff = (t.Count - 1) * 8
	}
	countFirst := bigendian.Read32(t.Data[0:4])
	countLast := bigendian.Read32(t.Data[lastOff : lastOff+4])

	if offsetStart != 0 {
		bigendian.Write32(t.Data[0:4], countFirst-offsetStart)
	}
	if offsetEnd != 0 {
		current := bigendian.Read32(t.Data[lastOff : lastOff+4])
		bigendian.Write32(t.Data[lastOff:lastOff+4], current-(countLast-offsetEnd))
	}
}

// clipStsc rewrites the stsc table after resizing: the first chunk's
// byte offset is corrected for a mid-chunk start, compensation entries
// are prepended/appended when the seek boundary falls mid-chunk, and
// every interior chunk id is shifted down to the new chunk-offset
// origin.
func clipStsc(stbl *SampleTable, start, end *Seek) {
	if stbl.Stsc.Void() {
		return
	}

	bigendian.WriteWidth(stbl.Coxx.Data[0:stbl.Coxx.EntryBytes], start.Offset, stbl.Coxx.EntryBytes*8)

	s := stbl.Stsc.Count
	entry := func(i uint32) []byte { return stbl.Stsc.Data[i*12 : i*12+12] }

	p := entry(0)
	na := bigendian.Read32(p[0:4]) - 1
	var nb uint32
	if s == 1 {
		nb = uint32(stbl.MaxChunks)
	} else {
		nb = bigendian.Read32(entry(1)[0:4]) - 1
	}
	n := nb - (na + start.Stsc.Offset)
	c := bigendian.Read32(p[4:8])

	if start.Coxx.Offset != 0 {
		bigendian.Write32(start.StscEntry[0:4], 1)
		bigendian.Write32(start.StscEntry[4:8], c-start.Coxx.Offset)
		bigendian.Write32(start.StscEntry[8:12], bigendian.Read32(p[8:12]))
		stbl.Stsc.Atom.Size += 12
		stbl.Stsc.Count++
		start.Coxx.Offset = 1

		if n > 1 {
			bigendian.Write32(p[0:4], 2)
		} else {
			stbl.Stsc.Count--
			stbl.Stsc.Atom.Size -= 12
			copy(p, start.StscEntry[:])
			start.Coxx.Offset = 0
		}
	} else {
		bigendian.Write32(p[0:4], 1)
	}
	n++

	// p walks the physical (already-clipped) entry array one slot per
	// iteration while i merely counts from the original logical index
	// range [start.Stsc.Index+1, last) — the table was shrunk to only
	// the retained entries, so the two indices are unrelated.
	pIdx := uint32(1)
	if s > 1 {
		d := bigendian.Read32(entry(pIdx)[0:4]) - 1 - n
		last := end.Stsc.Index
		if end.Stsc.Offset > 0 || end.Coxx.Offset > 0 {
			last++
		}
		for i := start.Stsc.Index + 1; i < last; i++ {
			q := entry(pIdx)
			shifted := bigendian.Read32(q[0:4]) - 1 - d
			bigendian.Write32(q[0:4], shifted)
			pIdx++
		}
	}

	if end.Coxx.Offset != 0 {
		lastEntry := entry(stbl.Stsc.Count - 1)
		bigendian.Write32(end.StscEntry[0:4], uint32(stbl.Coxx.Count))
		bigendian.Write32(end.StscEntry[4:8], end.Coxx.Offset)
		bigendian.Write32(end.StscEntry[8:12], bigendian.Read32(lastEntry[8:12]))
		stbl.Stsc.Atom.Size += 12
		stbl.Stsc.Count++
		end.Coxx.Offset = 1
	}

	bigendian.Write32(stbl.Stsc.Atom.Data[0:4], uint32(stbl.Stsc.Version)<<24|stbl.Stsc.Flags)
	bigendian.Write32(stbl.Stsc.Atom.Data[4:8], stbl.Stsc.Count)
}

// resizeAtom recomputes an atom's Size from its (already updated)
// DataSize, preserving whether it uses the 16-byte extended header.
func resizeAtom(a *Atom) {
	headerLen := uint64(8)
	if a.Extended {
		headerLen = 16
	}
	a.Size = a.DataSize + headerLen
}

func writeHeaderTime(h *Header, pos32, pos64 int) {
	if h.Version != 0 {
		bigendian.Write64(h.Atom.Data[pos64:pos64+8], h.Duration)
	} else {
		bigendian.Write32(h.Atom.Data[pos32:pos32+4], uint32(h.Duration))
	}
}

func round(v float64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v + 0.5)
}

// compileTrak computes the seek points for a single track's requested
// [start,stop) window in seconds, resizes and clips every sample table
// to that window, and widens the stream's overall seconds/byte range
// (streamStart/streamStop/fileOffset/fileFinish, shared across both
// tracks) to cover this track.
func compileTrak(streamStart, streamStop *float64, fileOffset, fileFinish *uint64, trak *Track, movieScale uint32) {
	if trak.Void() {
		return
	}

	trak.Start.Time = uint64(*streamStart * float64(trak.Mdia.Mdhd.Scale))
	trak.End.Time = uint64(*streamStop * float64(trak.Mdia.Mdhd.Scale))

	stbl := &trak.Mdia.Minf.Stbl
	if trak.Mdia.Mdhd.Duration > stbl.MaxTime {
		trak.Mdia.Mdhd.Duration = stbl.MaxTime
	}
	if trak.Start.Time > trak.Mdia.Mdhd.Duration {
		trak.Start.Time = trak.Mdia.Mdhd.Duration
	}
	if trak.End.Time == 0 || trak.End.Time > trak.Mdia.Mdhd.Duration {
		trak.End.Time = trak.Mdia.Mdhd.Duration
		trak.End.Offset = stbl.MaxOffset
	}

	compileSeek(stbl, &trak.Start)
	compileSeek(stbl, &trak.End)

	trak.Mdia.Mdhd.Duration = trak.End.Time - trak.Start.Time
	writeHeaderTime(&trak.Mdia.Mdhd, 16, 24)

	trak.Tkhd.Duration = round(float64(movieScale) * (float64(trak.Mdia.Mdhd.Duration) / float64(trak.Mdia.Mdhd.Scale)))
	writeHeaderTime(&trak.Tkhd, 20, 28)

	if *fileOffset == 0 || *fileOffset > trak.Start.Offset {
		*streamStart = float64(trak.Start.Time) / float64(trak.Mdia.Mdhd.Scale)
		*fileOffset = trak.Start.Offset
	}
	if *fileFinish == 0 || *fileFinish < trak.End.Offset {
		*streamStop = float64(trak.End.Time) / float64(trak.Mdia.Mdhd.Scale)
		*fileFinish = trak.End.Offset
	}

	compileTable(&stbl.Stts, trak.Start.Stts, trak.End.Stts, nil)
	compileTable(&stbl.Ctts, trak.Start.Ctts, trak.End.Ctts, nil)
	compileTable(&stbl.Stss, trak.Start.Stss, trak.End.Stss, nil)
	compileStsz(&stbl.Stsz, trak.Start.Stsz, trak.End.Stsz, nil)
	compileTable(&stbl.Coxx, trak.Start.Coxx, trak.End.Coxx, nil)

	clipXtts(&stbl.Stts, trak.Start.Stts.Offset, trak.End.Stts.Offset)
	clipXtts(&stbl.Ctts, trak.Start.Ctts.Offset, trak.End.Ctts.Offset)

	resizeTable(&stbl.Stsc, trak.Start.Stsc, trak.End.Stsc, &trak.End.Coxx)
	rawLen := uint64(stbl.Stsc.Count) * uint64(stbl.Stsc.EntryBytes)
	trak.stscEntries = stbl.Stsc.Data[:rawLen]
	clipStsc(stbl, &trak.Start, &trak.End)

	stbl.Atom.DataSize = stbl.Stsd.Size + stbl.Stts.Atom.Size + stbl.Ctts.Atom.Size +
		stbl.Stss.Atom.Size + stbl.Stsz.Atom.Size + stbl.Stsc.Atom.Size + stbl.Coxx.Atom.Size
	resizeAtom(&stbl.Atom)

	trak.Mdia.Minf.Atom.DataSize = trak.Mdia.Minf.Xmhd.Size + trak.Mdia.Minf.Stbl.Atom.Size
	resizeAtom(&trak.Mdia.Minf.Atom)

	trak.Mdia.Atom.DataSize = trak.Mdia.Mdhd.Atom.Size + trak.Mdia.Hdlr.Size + trak.Mdia.Minf.Atom.Size
	resizeAtom(&trak.Mdia.Atom)

	trak.Atom.DataSize = trak.Tkhd.Atom.Size + trak.Mdia.Atom.Size
	resizeAtom(&trak.Atom)
}

func compileMoov(moov *Movie) {
	moov.Atom.DataSize = moov.Mvhd.Atom.Size + moov.VTrak.Atom.Size + moov.STrak.Atom.Size
	resizeAtom(&moov.Atom)

	moov.Mvhd.Duration = maxU64(moov.STrak.Tkhd.Duration, moov.VTrak.Tkhd.Duration)
	writeHeaderTime(&moov.Mvhd, 16, 24)
}

func compileMdat(mdat *Atom, fileOffset, fileFinish uint64) {
	mdat.DataSize = fileFinish - fileOffset
	mdat.Size = mdat.DataSize
	resizeAtom(mdat)
}

// relocateTrak shifts a track's sync-sample numbering and chunk
// offsets from source-file coordinates to output-gather coordinates:
// stss entries are renumbered from 1, and every stco/co64 entry has
// (fileOffset - gatherSize) subtracted so chunk offsets point at the
// right place once mdat has been trimmed and prefixed by a smaller
// metadata gather buffer instead of the original head atoms.
func relocateTrak(trak *Track, fileOffset, gatherSize uint64) {
	if trak.Void() {
		return
	}
	stbl := &trak.Mdia.Minf.Stbl

	if !stbl.Stss.Void() {
		first := bigendian.Read32(stbl.Stss.Data[0:4])
		delta := first - 1
		for i := uint32(0); i < stbl.Stss.Count; i++ {
			off := i * 4
			v := bigendian.Read32(stbl.Stss.Data[off : off+4])
			bigendian.Write32(stbl.Stss.Data[off:off+4], v-delta)
		}
	}

	delta := int64(fileOffset) - int64(gatherSize)
	bits := stbl.Coxx.EntryBytes * 8
	for i := uint32(0); i < stbl.Coxx.Count; i++ {
		off := uint64(i) * uint64(stbl.Coxx.EntryBytes)
		v := int64(bigendian.ReadWidth(stbl.Coxx.Data[off:off+uint64(stbl.Coxx.EntryBytes)], bits))
		bigendian.WriteWidth(stbl.Coxx.Data[off:off+uint64(stbl.Coxx.EntryBytes)], uint64(v-delta), bits)
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
