package mp4

import (
	"fmt"

	"github.com/arvow/vodstream/internal/bigendian"
)

// gather accumulates the byte segments that make up the synthesized
// metadata prefix, tracking their total length so relocateTrak can
// compute the chunk-offset delta before the segments are ever
// concatenated.
type gather struct {
	segments [][]byte
	size     uint64
}

func (g *gather) addHead(a *Atom) {
	if a.Void() {
		return
	}
	headerLen := 8
	if a.Extended {
		headerLen = 16
	}
	buf := make([]byte, headerLen)
	if a.Extended {
		bigendian.Write32(buf[0:4], 1)
		bigendian.Write32(buf[4:8], a.Type)
		bigendian.Write64(buf[8:16], a.Size)
	} else {
		bigendian.Write32(buf[0:4], uint32(a.Size))
		bigendian.Write32(buf[4:8], a.Type)
	}
	g.segments = append(g.segments, buf)
	g.size += uint64(headerLen)
}

func (g *gather) addFull(a *Atom) {
	if a.Void() {
		return
	}
	g.addHead(a)
	data := a.Data
	if uint64(len(data)) > a.DataSize {
		data = data[:a.DataSize]
	}
	g.segments = append(g.segments, data)
	g.size += a.DataSize
}

// Head is the synthesized response prefix for a spliced MP4 response:
// the HTTP head followed by every rewritten atom up to (but excluding)
// the mdat payload itself.
type Head struct {
	Bytes      []byte
	GatherSize uint64
}

// buildHead assembles ftyp/moov(+tracks)/mdat-header into a gather
// buffer, relocates each track's stco/co64 and stss entries to account
// for the new (smaller) metadata prefix replacing the original head,
// and prefixes the result with the HTTP response head.
func buildHead(httpVer, serverName, serverVer string, fileOffset, fileFinish uint64, f *File) Head {
	var g gather

	g.addFull(&f.Ftyp)
	g.addHead(&f.Moov.Atom)
	g.addFull(&f.Moov.Mvhd.Atom)

	tracks := []*Track{&f.Moov.VTrak, &f.Moov.STrak}
	for _, trak := range tracks {
		if trak.Void() {
			continue
		}
		g.addHead(&trak.Atom)
		g.addFull(&trak.Tkhd.Atom)

		mdia := &trak.Mdia
		g.addHead(&mdia.Atom)
		g.addFull(&mdia.Mdhd.Atom)
		g.addFull(&mdia.Hdlr)

		minf := &mdia.Minf
		g.addHead(&minf.Atom)
		g.addFull(&minf.Xmhd)

		stbl := &minf.Stbl
		g.addHead(&stbl.Atom)
		g.addFull(&stbl.Stsd)
		g.addFull(&stbl.Stts.Atom)
		g.addFull(&stbl.Stss.Atom)
		g.addHead(&stbl.Stsc.Atom)
		g.addStscBodyForTrack(trak)
		g.addFull(&stbl.Ctts.Atom)
		g.addFull(&stbl.Stsz.Atom)
		g.addFull(&stbl.Coxx.Atom)
	}

	g.addHead(&f.Mdat)

	relocateTrak(&f.Moov.VTrak, fileOffset, g.size)
	relocateTrak(&f.Moov.STrak, fileOffset, g.size)

	contentLength := fileFinish - fileOffset + g.size
	httpHead := []byte(fmt.Sprintf(
		"HTTP/%s 200 OK\n"+
			"Content-Type: %s\n"+
			"Content-Length: %d\n"+
			"Cache-Control: no-store, no-cache, must-revalidate, post-check=0, pre-check=0\n"+
			"Expires: Mon, 29 Mar 1982 12:00:00 GMT\n"+
			"Server: %s %s\n\n",
		httpVer, MIME, contentLength, serverName, serverVer))

	total := make([]byte, 0, uint64(len(httpHead))+g.size)
	total = append(total, httpHead...)
	for _, seg := range g.segments {
		total = append(total, seg...)
	}

	return Head{Bytes: total, GatherSize: g.size}
}

// addStscBodyForTrack emits the stsc entries for trak using its
// captured raw-entries slice (the physically stored bytes, distinct
// from the logical Count clipStsc inflated with synthetic entries).
func (g *gather) addStscBodyForTrack(trak *Track) {
	t := &trak.Mdia.Minf.Stbl.Stsc
	if t.Void() {
		return
	}
	inner := t.Atom.Data[0:8]
	g.segments = append(g.segments, inner)
	g.size += 8

	if trak.Start.Coxx.Offset != 0 {
		entry := append([]byte(nil), trak.Start.StscEntry[:]...)
		g.segments = append(g.segments, entry)
		g.size += 12
	}

	g.segments = append(g.segments, trak.stscEntries)
	g.size += uint64(len(trak.stscEntries))

	if trak.End.Coxx.Offset != 0 {
		entry := append([]byte(nil), trak.End.StscEntry[:]...)
		g.segments = append(g.segments, entry)
		g.size += 12
	}
}
