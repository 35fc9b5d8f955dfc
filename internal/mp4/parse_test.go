package mp4

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/arvow/vodstream/internal/bigendian"
	"github.com/arvow/vodstream/internal/cache"
	"github.com/stretchr/testify/require"
)

func packAtom(atomType uint32, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	bigendian.Write32(buf[0:4], uint32(len(buf)))
	bigendian.Write32(buf[4:8], atomType)
	copy(buf[8:], payload)
	return buf
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	bigendian.Write32(b, v)
	return b
}

// sampleTableSpec describes a one-track sample table with two stts
// entries and two stsc entries, laid out so a mid-range seek crosses a
// chunk boundary mid-chunk on both ends (to exercise clipStsc's
// compensation-entry branches).
type sampleTableSpec struct {
	sttsEntries [][2]uint32 // count, duration
	stscEntries [][3]uint32 // firstChunk, samplesPerChunk, sampleDescID
	stszSizes   []uint32
	stcoRelOffs []uint32 // chunk offsets, relative to mdat data start
}

func buildStbl(spec sampleTableSpec) []byte {
	stsd := packAtom(TypeStsd, append(u32be(0), u32be(0)...))

	sttsPayload := append(u32be(0), u32be(uint32(len(spec.sttsEntries)))...)
	for _, e := range spec.sttsEntries {
		sttsPayload = append(sttsPayload, u32be(e[0])...)
		sttsPayload = append(sttsPayload, u32be(e[1])...)
	}
	stts := packAtom(TypeStts, sttsPayload)

	stscPayload := append(u32be(0), u32be(uint32(len(spec.stscEntries)))...)
	for _, e := range spec.stscEntries {
		stscPayload = append(stscPayload, u32be(e[0])...)
		stscPayload = append(stscPayload, u32be(e[1])...)
		stscPayload = append(stscPayload, u32be(e[2])...)
	}
	stsc := packAtom(TypeStsc, stscPayload)

	stszPayload := append(u32be(0), u32be(0)...) // variable sample size
	stszPayload = append(stszPayload, u32be(uint32(len(spec.stszSizes)))...)
	for _, s := range spec.stszSizes {
		stszPayload = append(stszPayload, u32be(s)...)
	}
	stsz := packAtom(TypeStsz, stszPayload)

	stcoPayload := append(u32be(0), u32be(uint32(len(spec.stcoRelOffs)))...)
	for _, o := range spec.stcoRelOffs {
		stcoPayload = append(stcoPayload, u32be(o)...)
	}
	stco := packAtom(TypeStco, stcoPayload)

	var payload []byte
	payload = append(payload, stsd...)
	payload = append(payload, stts...)
	payload = append(payload, stsc...)
	payload = append(payload, stsz...)
	payload = append(payload, stco...)
	return packAtom(TypeStbl, payload)
}

func buildTrak(scale, duration uint32, stbl []byte) []byte {
	tkhd := make([]byte, 84)
	tkhd[3] = 1 // trackEnabled
	bigendian.Write32(tkhd[20:24], duration)
	tkhdAtom := packAtom(TypeTkhd, tkhd)

	mdhd := make([]byte, 24)
	bigendian.Write32(mdhd[12:16], scale)
	bigendian.Write32(mdhd[16:20], duration)
	mdhdAtom := packAtom(TypeMdhd, mdhd)

	hdlr := packAtom(TypeHdlr, make([]byte, 20))
	vmhd := packAtom(TypeVmhd, make([]byte, 12))

	minfPayload := append([]byte{}, vmhd...)
	minfPayload = append(minfPayload, stbl...)
	minf := packAtom(TypeMinf, minfPayload)

	mdiaPayload := append([]byte{}, mdhdAtom...)
	mdiaPayload = append(mdiaPayload, hdlr...)
	mdiaPayload = append(mdiaPayload, minf...)
	mdia := packAtom(TypeMdia, mdiaPayload)

	trakPayload := append([]byte{}, tkhdAtom...)
	trakPayload = append(trakPayload, mdia...)
	return packAtom(TypeTrak, trakPayload)
}

func buildMvhd(scale, duration uint32) []byte {
	mvhd := make([]byte, 100)
	bigendian.Write32(mvhd[12:16], scale)
	bigendian.Write32(mvhd[16:20], duration)
	return packAtom(TypeMvhd, mvhd)
}

// buildSyntheticMP4 assembles a single-video-track progressive MP4 for
// the given spec and mdat payload. stcoRelOffs are resolved to absolute
// file offsets in a first measuring pass, since every box involved has
// a fixed size independent of the values written into it.
func buildSyntheticMP4(scale uint32, spec sampleTableSpec, mdatPayload []byte) (file []byte, mdatDataStart int) {
	ftyp := packAtom(TypeFtyp, []byte("isom\x00\x00\x02\x00isomiso2avc1mp41"))

	var duration uint32
	for _, e := range spec.sttsEntries {
		duration += e[0] * e[1]
	}

	moovFor := func(s sampleTableSpec) []byte {
		stbl := buildStbl(s)
		trak := buildTrak(scale, duration, stbl)
		mvhd := buildMvhd(scale, duration)
		payload := append([]byte{}, mvhd...)
		payload = append(payload, trak...)
		return packAtom(TypeMoov, payload)
	}

	placeholder := spec
	placeholder.stcoRelOffs = make([]uint32, len(spec.stcoRelOffs))
	moov := moovFor(placeholder)

	mdatDataStart = len(ftyp) + len(moov) + 8

	real := spec
	real.stcoRelOffs = make([]uint32, len(spec.stcoRelOffs))
	for i, rel := range spec.stcoRelOffs {
		real.stcoRelOffs[i] = rel + uint32(mdatDataStart)
	}
	moov = moovFor(real)

	mdat := packAtom(TypeMdat, mdatPayload)

	out := append([]byte{}, ftyp...)
	out = append(out, moov...)
	out = append(out, mdat...)
	return out, mdatDataStart
}

func testSpec() sampleTableSpec {
	return sampleTableSpec{
		sttsEntries: [][2]uint32{{5, 100}, {5, 200}},
		stscEntries: [][3]uint32{{1, 3, 1}, {3, 2, 1}},
		stszSizes:   []uint32{10, 11, 12, 13, 14, 15, 16, 17, 18, 19},
		stcoRelOffs: []uint32{0, 33, 75, 108},
	}
}

func testMdatPayload() []byte {
	var buf []byte
	for i, size := range testSpec().stszSizes {
		buf = append(buf, bytes.Repeat([]byte{byte(i)}, int(size))...)
	}
	return buf
}

func contentLengthFromHead(t *testing.T, head []byte) int {
	t.Helper()
	lines := strings.Split(string(head), "\n")
	for _, l := range lines {
		if strings.HasPrefix(l, "Content-Length:") {
			v := strings.TrimSpace(strings.TrimPrefix(l, "Content-Length:"))
			n, err := strconv.Atoi(v)
			require.NoError(t, err)
			return n
		}
	}
	t.Fatal("no Content-Length header found")
	return 0
}

func TestParseZeroSeekFullRange(t *testing.T) {
	file, mdatDataStart := buildSyntheticMP4(1000, testSpec(), testMdatPayload())
	c := cache.New(1 << 20)
	req := Request{
		Path:       "/v/full.mp4",
		HTTPVer:    "1.1",
		Period:     0.1,
		FileLength: int64(len(file)),
		ServerName: "vodstream",
		ServerVer:  "0.1.0",
	}

	result, err := Parse(bytes.NewReader(file), req, c)
	require.NoError(t, err)
	require.Equal(t, int64(mdatDataStart), result.FileOffset)
	require.Equal(t, int64(mdatDataStart+145), result.FileFinish)
	require.Contains(t, string(result.Head), "200 OK")
	require.Contains(t, string(result.Head), MIME)

	gatherLen := len(result.Head) - contentLengthPrefixLen(t, result.Head)
	wantContentLength := int(result.FileFinish-result.FileOffset) + gatherLen
	require.Equal(t, wantContentLength, contentLengthFromHead(t, result.Head))
}

// contentLengthPrefixLen returns how many bytes of Head precede the
// metadata gather buffer (i.e. the length of the HTTP head text).
func contentLengthPrefixLen(t *testing.T, head []byte) int {
	t.Helper()
	idx := bytes.Index(head, []byte("\n\n"))
	require.GreaterOrEqual(t, idx, 0)
	return idx + 2
}

func TestParseMidChunkSeekOnBothEnds(t *testing.T) {
	file, mdatDataStart := buildSyntheticMP4(1000, testSpec(), testMdatPayload())
	c := cache.New(1 << 20)
	req := Request{
		Path:       "/v/mid.mp4",
		HTTPVer:    "1.1",
		Period:     0.1,
		Start:      0.4,
		Stop:       0.9,
		FileLength: int64(len(file)),
		ServerName: "vodstream",
		ServerVer:  "0.1.0",
	}

	result, err := Parse(bytes.NewReader(file), req, c)
	require.NoError(t, err)
	require.Equal(t, int64(mdatDataStart+46), result.FileOffset)
	require.Equal(t, int64(mdatDataStart+91), result.FileFinish)

	gatherLen := len(result.Head) - contentLengthPrefixLen(t, result.Head)
	wantContentLength := int(result.FileFinish-result.FileOffset) + gatherLen
	require.Equal(t, wantContentLength, contentLengthFromHead(t, result.Head))
}

func TestParseCachesOffsetsForZeroSeekFastPath(t *testing.T) {
	file, _ := buildSyntheticMP4(1000, testSpec(), testMdatPayload())
	c := cache.New(1 << 20)
	req := Request{
		Path:       "/v/cached.mp4",
		HTTPVer:    "1.1",
		Period:     0.1,
		FileLength: int64(len(file)),
		ServerName: "vodstream",
		ServerVer:  "0.1.0",
	}

	_, err := Parse(bytes.NewReader(file), req, c)
	require.NoError(t, err)

	_, ok := c.Get(cache.Key(req.Path, cache.KeyOffsets))
	require.True(t, ok)
	_, ok = c.Get(cache.Key(req.Path, cache.KeyZeroHead))
	require.True(t, ok)

	// Second call should hit the zero-seek fast path without re-reading r.
	result2, err := Parse(nil, req, c)
	require.NoError(t, err)
	require.NotEmpty(t, result2.Head)
}

func TestParseRejectsMissingMoov(t *testing.T) {
	ftyp := packAtom(TypeFtyp, []byte("isom"))
	mdat := packAtom(TypeMdat, make([]byte, 10))
	file := append(append([]byte{}, ftyp...), mdat...)

	c := cache.New(1 << 20)
	req := Request{Path: "/x", FileLength: int64(len(file))}
	_, err := Parse(bytes.NewReader(file), req, c)
	require.Error(t, err)
}

func TestParseRejectsCompressedMovie(t *testing.T) {
	cmov := packAtom(TypeCmov, make([]byte, 4))
	moovAtom := packAtom(TypeMoov, cmov)
	a, err := atomFromBlob(moovAtom)
	require.NoError(t, err)

	var m Movie
	m.Atom = a
	err = parseMoov(&m)
	require.ErrorIs(t, err, errCompressedMovie)
}

func TestParseStblRejectsMissingRequiredTables(t *testing.T) {
	// stbl with only stsd: missing stts/stsc/stsz/stco.
	stsd := packAtom(TypeStsd, append(u32be(0), u32be(0)...))
	stblAtom := packAtom(TypeStbl, stsd)
	a, err := atomFromBlob(stblAtom)
	require.NoError(t, err)

	var stbl SampleTable
	stbl.Atom = a
	err = parseStbl(&stbl)
	require.Error(t, err)
}

func TestCompileSeekMatchesHandComputedOffsets(t *testing.T) {
	spec := testSpec()
	stblAtom := buildStbl(spec)
	a, err := atomFromBlob(stblAtom)
	require.NoError(t, err)

	// Patch stco to absolute offsets with an arbitrary mdat base so the
	// walk is exercised exactly as it would be in a real file.
	var stbl SampleTable
	stbl.Atom = a
	require.NoError(t, parseStbl(&stbl))
	const base = 1000
	for i, rel := range spec.stcoRelOffs {
		off := i * 4
		bigendian.Write32(stbl.Coxx.Data[off:off+4], rel+base)
	}
	computeLimits(&stbl)

	require.Equal(t, uint64(10), stbl.MaxSamples)
	require.Equal(t, uint64(1500), stbl.MaxTime)
	require.Equal(t, uint64(4), stbl.MaxChunks)
	require.Equal(t, uint64(base+145), stbl.MaxOffset)

	var start Seek
	start.Time = 400
	compileSeek(&stbl, &start)
	require.Equal(t, uint64(400), start.Time)
	require.Equal(t, uint64(base+46), start.Offset)
	require.Equal(t, uint32(1), start.Coxx.Offset)

	var end Seek
	end.Time = 900
	compileSeek(&stbl, &end)
	require.Equal(t, uint64(900), end.Time)
	require.Equal(t, uint64(base+91), end.Offset)
	require.Equal(t, uint32(1), end.Coxx.Offset)
}
