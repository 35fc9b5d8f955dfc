// Package mp4 implements bit-exact pseudo-seek for progressive-download
// ISO-BMFF (MP4) files: the atom tree model, the sample-table seek
// compiler, and the splicer/emitter that produces a byte-identical
// sub-range of the original track data with rewritten metadata.
package mp4

import (
	"errors"
	"io"

	"github.com/arvow/vodstream/internal/bigendian"
)

// Atom type codes, packed the same way the 4-character codes are
// packed on disk: big-endian bytes of the ASCII tag.
const (
	TypeNone uint32 = 0
	TypeFtyp        = 0x66747970 // "ftyp"
	TypeMoov        = 0x6d6f6f76 // "moov"
	TypeCmov        = 0x636d6f76 // "cmov"
	TypeMvhd        = 0x6d766864 // "mvhd"
	TypeTrak        = 0x7472616b // "trak"
	TypeTkhd        = 0x746b6864 // "tkhd"
	TypeMdia        = 0x6d646961 // "mdia"
	TypeMdhd        = 0x6d646864 // "mdhd"
	TypeHdlr        = 0x68646c72 // "hdlr"
	TypeMinf        = 0x6d696e66 // "minf"
	TypeVmhd        = 0x766d6864 // "vmhd"
	TypeSmhd        = 0x736d6864 // "smhd"
	TypeStbl        = 0x7374626c // "stbl"
	TypeStsd        = 0x73747364 // "stsd"
	TypeStts        = 0x73747473 // "stts"
	TypeCtts        = 0x63747473 // "ctts"
	TypeStss        = 0x73747373 // "stss"
	TypeStsc        = 0x73747363 // "stsc"
	TypeStsz        = 0x7374737a // "stsz"
	TypeStco        = 0x7374636f // "stco"
	TypeCo64        = 0x636f3634 // "co64"
	TypeMdat        = 0x6d646174 // "mdat"
)

// MIME is the Content-Type this parser emits.
const MIME = "video/mp4"

const trackEnabled = 0x000001 // tkhd flags bit: track enabled

var errTruncated = errors.New("mp4: truncated atom")
var errCompressedMovie = errors.New("mp4: compressed movie atom (cmov) not supported")

// Atom is a single ISO-BMFF box: its header fields and, once loaded,
// its payload bytes. Data is nil for an atom whose payload was left on
// disk (mdat).
type Atom struct {
	Type      uint32
	Extended  bool // size==1, 64-bit size field follows the type
	Size      uint64
	Start     uint64 // file offset of the atom, header included
	End       uint64 // Start + Size
	Data      []byte // payload bytes, header excluded; nil if not loaded
	DataStart uint64 // file offset of Data
	DataSize  uint64

	pos int // read cursor into Data, used while walking children
}

// Void reports whether this atom was never found/populated.
func (a Atom) Void() bool { return a.Size == 0 }

// readAtomHeader reads one atom's 8- or 16-byte header at the given
// file offset from r, returning the populated Atom and the file offset
// immediately after the header.
func readAtomHeader(r io.ReaderAt, offset uint64) (Atom, uint64, error) {
	var buf [16]byte
	if _, err := r.ReadAt(buf[:], int64(offset)); err != nil {
		return Atom{}, 0, errTruncated
	}

	a := Atom{Start: offset}
	size := uint64(bigendian.Read32(buf[0:4]))
	a.Type = bigendian.Read32(buf[4:8])

	next := offset + 8
	if size == 1 {
		a.Extended = true
		size = bigendian.Read64(buf[8:16])
		next += 8
	}
	a.Size = size
	a.End = a.Start + a.Size
	a.DataStart = next
	a.DataSize = a.Size - (next - a.Start)
	return a, next, nil
}

// readTopLevelAtom reads the atom at file offset `offset`, loading its
// full payload into memory (used for ftyp/moov; mdat callers discard
// Data and keep only the header-sized Size field).
func readTopLevelAtom(r io.ReaderAt, offset uint64) (Atom, error) {
	a, dataStart, err := readAtomHeader(r, offset)
	if err != nil {
		return Atom{}, err
	}
	data := make([]byte, a.DataSize)
	if a.DataSize > 0 {
		if _, err := r.ReadAt(data, int64(dataStart)); err != nil {
			return Atom{}, errTruncated
		}
	}
	a.Data = data
	return a, nil
}

// childAtom reads one child atom out of parent.Data at parent.pos,
// advancing parent.pos past it. The child's Data is a sub-slice of the
// parent's backing array so in-place edits to the child are visible
// through the parent buffer too, exactly like the original's pointer
// arithmetic over a single allocated buffer.
func childAtom(parent *Atom) (Atom, error) {
	if parent.Data == nil || parent.pos > len(parent.Data)-8 {
		return Atom{}, errTruncated
	}
	buf := parent.Data[parent.pos:]

	a := Atom{Start: parent.DataStart + uint64(parent.pos)}
	size := uint64(bigendian.Read32(buf[0:4]))
	a.Type = bigendian.Read32(buf[4:8])

	parent.pos += 8
	headerLen := 8
	if size == 1 {
		if parent.pos > len(parent.Data)-8 {
			return Atom{}, errTruncated
		}
		a.Extended = true
		size = bigendian.Read64(parent.Data[parent.pos : parent.pos+8])
		parent.pos += 8
		headerLen = 16
	}
	a.Size = size
	a.End = a.Start + a.Size
	a.DataStart = a.Start + uint64(headerLen)
	a.DataSize = a.Size - uint64(headerLen)

	if parent.pos+int(a.DataSize) > len(parent.Data) {
		return Atom{}, errTruncated
	}
	a.Data = parent.Data[parent.pos : parent.pos+int(a.DataSize)]
	parent.pos += int(a.DataSize)

	return a, nil
}

// resetCursor rewinds the child-walk cursor, used before re-scanning
// an already-loaded atom's children.
func resetCursor(a *Atom) { a.pos = 0 }
