package mp4

import "github.com/arvow/vodstream/internal/bigendian"

// Header models a version/flags box carrying a scale + duration pair
// (mvhd, tkhd, mdhd): the fields are 32-bit in version 0, 64-bit in
// version 1, at different byte offsets per box type.
type Header struct {
	Atom     Atom
	Version  uint8
	Flags    uint32
	Scale    uint32 // mvhd/mdhd only; tkhd has no scale field
	Duration uint64
}

// Void reports whether this header was never populated.
func (h Header) Void() bool { return h.Atom.Size == 0 }

// MediaInfo is the minf box: a video/sound media header (vmhd/smhd)
// plus the sample tables.
type MediaInfo struct {
	Atom Atom
	Xmhd Atom
	Stbl SampleTable
}

// Media is the mdia box: media header, handler, and media information.
type Media struct {
	Atom Atom
	Mdhd Header
	Hdlr Atom
	Minf MediaInfo
}

// Track is the trak box: track header, media, and the compiled seek
// points bracketing the requested range once splicing has run.
type Track struct {
	Atom Atom
	Tkhd Header
	Mdia Media

	Start Seek
	End   Seek

	// stscEntries is the raw, physically-stored stsc entry bytes
	// captured right after resizeTable but before clipStsc inflates
	// Stsc.Count for synthetic compensation entries (those extras live
	// only in Start/End.StscEntry, not in this slice).
	stscEntries []byte
}

// Void reports whether this track was never selected (no enabled a/v
// track of this kind was present).
func (t Track) Void() bool { return t.Atom.Size == 0 }

// Movie is the moov box: movie header plus (at most) one selected
// video track and one selected sound track.
type Movie struct {
	Atom  Atom
	Mvhd  Header
	VTrak Track
	STrak Track
}

// File is the top-level atom triple this parser cares about.
type File struct {
	Ftyp Atom
	Moov Movie
	Mdat Atom
}

func parseMinf(minf *MediaInfo) error {
	resetCursor(&minf.Atom)
	left := 2
	for left > 0 && minf.Atom.pos < len(minf.Atom.Data) {
		child, err := childAtom(&minf.Atom)
		if err != nil {
			break
		}
		switch child.Type {
		case TypeVmhd, TypeSmhd:
			minf.Xmhd = child
			left--
		case TypeStbl:
			minf.Stbl.Atom = child
			left--
			if err := parseStbl(&minf.Stbl); err != nil {
				return err
			}
		}
	}
	if !minf.Xmhd.Void() && minf.Stbl.Atom.Void() {
		return errMissingTable("stbl in a/v trak")
	}
	return nil
}

func parseMdia(mdia *Media) error {
	resetCursor(&mdia.Atom)
	left := 3
	for left > 0 && mdia.Atom.pos < len(mdia.Atom.Data) {
		child, err := childAtom(&mdia.Atom)
		if err != nil {
			break
		}
		switch child.Type {
		case TypeMdhd:
			mdia.Mdhd.Atom = child
			left--
		case TypeHdlr:
			mdia.Hdlr = child
			left--
		case TypeMinf:
			mdia.Minf.Atom = child
			left--
			if err := parseMinf(&mdia.Minf); err != nil {
				return err
			}
		}
	}
	if mdia.Mdhd.Void() {
		return errMissingTable("mdhd")
	}

	h := &mdia.Mdhd
	h.Version = h.Atom.Data[0]
	h.Flags = bigendian.Read24(h.Atom.Data[1:4])
	offset := 12
	if h.Version != 0 {
		offset = 20
	}
	h.Scale = bigendian.Read32(h.Atom.Data[offset : offset+4])
	if h.Version != 0 {
		h.Duration = bigendian.Read64(h.Atom.Data[offset+4 : offset+12])
	} else {
		h.Duration = uint64(bigendian.Read32(h.Atom.Data[offset+4 : offset+8]))
	}
	return nil
}

func parseTrak(trak *Track) error {
	resetCursor(&trak.Atom)
	left := 2
	for left > 0 && trak.Atom.pos < len(trak.Atom.Data) {
		child, err := childAtom(&trak.Atom)
		if err != nil {
			break
		}
		switch child.Type {
		case TypeTkhd:
			trak.Tkhd.Atom = child
			left--
		case TypeMdia:
			trak.Mdia.Atom = child
			left--
			if err := parseMdia(&trak.Mdia); err != nil {
				return err
			}
		}
	}
	if trak.Tkhd.Void() {
		return errMissingTable("tkhd")
	}
	if trak.Mdia.Atom.Void() {
		return errMissingTable("mdia")
	}

	h := &trak.Tkhd
	h.Version = h.Atom.Data[0]
	h.Flags = bigendian.Read24(h.Atom.Data[1:4])
	offset := 20
	if h.Version != 0 {
		offset = 28
	}
	if h.Version != 0 {
		h.Duration = bigendian.Read64(h.Atom.Data[offset : offset+8])
	} else {
		h.Duration = uint64(bigendian.Read32(h.Atom.Data[offset : offset+4]))
	}
	return nil
}

// parseMoov walks moov's children, selecting the first enabled video
// track and first enabled sound track (extras are ignored, matching
// "duplicate children are ignored").
func parseMoov(moov *Movie) error {
	resetCursor(&moov.Atom)
	left := 3
	for left > 0 && moov.Atom.pos < len(moov.Atom.Data) {
		child, err := childAtom(&moov.Atom)
		if err != nil {
			break
		}
		switch child.Type {
		case TypeMvhd:
			moov.Mvhd.Atom = child
			left--
		case TypeTrak:
			var trak Track
			trak.Atom = child
			if err := parseTrak(&trak); err != nil {
				return err
			}
			if trak.Tkhd.Flags&trackEnabled == 0 {
				continue
			}
			switch trak.Mdia.Minf.Xmhd.Type {
			case TypeVmhd:
				if moov.VTrak.Void() {
					moov.VTrak = trak
					left--
				}
			case TypeSmhd:
				if moov.STrak.Void() {
					moov.STrak = trak
					left--
				}
			}
		case TypeCmov:
			return errCompressedMovie
		}
	}

	if moov.Mvhd.Void() {
		return errMissingTable("mvhd")
	}
	if moov.VTrak.Void() && moov.STrak.Void() {
		return errMissingTable("enabled a/v trak")
	}

	h := &moov.Mvhd
	h.Version = h.Atom.Data[0]
	h.Flags = bigendian.Read24(h.Atom.Data[1:4])
	offset := 12
	if h.Version != 0 {
		offset = 20
	}
	h.Scale = bigendian.Read32(h.Atom.Data[offset : offset+4])
	if h.Version != 0 {
		h.Duration = bigendian.Read64(h.Atom.Data[offset+4 : offset+12])
	} else {
		h.Duration = uint64(bigendian.Read32(h.Atom.Data[offset+4 : offset+8]))
	}

	// Clear preview/poster/selection time fields (24 bytes right after
	// the rate/volume/reserved/matrix block) so a spliced response
	// never advertises stale playback hints from the source file.
	clearOffset := offset + 52
	if h.Version != 0 {
		clearOffset += 12
	} else {
		clearOffset += 8
	}
	if clearOffset+24 <= len(h.Atom.Data) {
		for i := 0; i < 24; i++ {
			h.Atom.Data[clearOffset+i] = 0
		}
	}

	return nil
}
