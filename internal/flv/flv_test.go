package flv

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/arvow/vodstream/internal/cache"
	"github.com/stretchr/testify/require"
)

// buildShortString encodes an AMF0 object-key string (u16 length + bytes).
func buildShortString(s string) []byte {
	out := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	return append(out, s...)
}

func buildNumber(v float64) []byte {
	out := make([]byte, 9)
	out[0] = 0x00
	binary.BigEndian.PutUint64(out[1:], math.Float64bits(v))
	return out
}

func buildECMAArray(fields map[string][]byte) []byte {
	out := []byte{0x08, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(fields)))
	for k, v := range fields {
		out = append(out, buildShortString(k)...)
		out = append(out, v...)
	}
	out = append(out, 0, 0, 0x09)
	return out
}

// buildSyntheticFLV constructs a minimal valid FLV file: 13-byte
// header, one onMetaData script tag, and enough padding bytes to stand
// in for the media body.
func buildSyntheticFLV(meta []byte, bodyLen int) []byte {
	var buf bytes.Buffer
	buf.Write(flvHeader[:])

	payload := append([]byte("\x02\x00\x0AonMetaData"), meta...)

	var tag bytes.Buffer
	tag.WriteByte(0x12) // script tag
	sizeBuf := make([]byte, 3)
	sizeBuf[0] = byte(len(payload) >> 16)
	sizeBuf[1] = byte(len(payload) >> 8)
	sizeBuf[2] = byte(len(payload))
	tag.Write(sizeBuf)
	tag.Write([]byte{0, 0, 0}) // timestamp
	tag.WriteByte(0)           // timestamp extended
	tag.Write([]byte{0, 0, 0}) // stream id
	tag.Write(payload)

	buf.Write(tag.Bytes())
	buf.Write([]byte{0, 0, 0, 0}) // previous tag size

	buf.Write(bytes.Repeat([]byte{0xAA}, bodyLen))
	return buf.Bytes()
}

func TestParseZeroSeekFirstPass(t *testing.T) {
	meta := buildECMAArray(map[string][]byte{
		"duration": buildNumber(10.0),
	})
	file := buildSyntheticFLV(meta, 1000)

	c := cache.New(1 << 20)
	req := Request{
		Path:       "/v/a.flv",
		HTTPVer:    "1.1",
		Period:     1.0,
		FileLength: int64(len(file)),
		ServerName: "vodstream",
		ServerVer:  "0.1.0",
	}

	result, err := Parse(bytes.NewReader(file), req, c)
	require.NoError(t, err)
	require.Equal(t, int64(13), result.FileOffset)
	require.Equal(t, req.FileLength, result.FileFinish)
	require.Contains(t, string(result.Head), "200 OK")
	require.Contains(t, string(result.Head), "video/x-flv")
	require.True(t, bytes.HasSuffix(result.Head, flvHeader[:]))
}

func TestParseCachesOffsetsForFastPath(t *testing.T) {
	meta := buildECMAArray(map[string][]byte{
		"duration": buildNumber(10.0),
	})
	file := buildSyntheticFLV(meta, 1000)
	c := cache.New(1 << 20)
	req := Request{
		Path:       "/v/b.flv",
		HTTPVer:    "1.1",
		Period:     1.0,
		FileLength: int64(len(file)),
		ServerName: "vodstream",
		ServerVer:  "0.1.0",
	}

	_, err := Parse(bytes.NewReader(file), req, c)
	require.NoError(t, err)

	_, ok := c.Get(cache.Key(req.Path, cache.KeyOffsets))
	require.True(t, ok)

	// Second call should hit the fast path without re-reading tags.
	result2, err := Parse(nil, req, c)
	require.NoError(t, err)
	require.Equal(t, int64(13), result2.FileOffset)
}

func TestParseRejectsBadFingerprint(t *testing.T) {
	bad := []byte("NOTFLV000000000000")
	c := cache.New(1 << 20)
	_, err := Parse(bytes.NewReader(bad), Request{Path: "/x", FileLength: int64(len(bad))}, c)
	require.Error(t, err)
}
