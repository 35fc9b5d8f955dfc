// Package flv parses progressive-download FLV files for pseudo-seek:
// it locates the onMetaData script tag, delegates time-to-offset
// compilation to internal/amf, and synthesizes the response head the
// stream sender writes before the raw byte range.
package flv

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/arvow/vodstream/internal/amf"
	"github.com/arvow/vodstream/internal/bigendian"
	"github.com/arvow/vodstream/internal/cache"
)

// MIME is the Content-Type this parser emits.
const MIME = "video/x-flv"

// flvHeader is the literal 13-byte FLV header the original stream
// prepends to every response body, independent of where in the file
// the pseudo-seek begins: F L V, version 1, flags 0x05 (audio+video),
// header size 9, then the 4-byte previous-tag-size(0) field.
var flvHeader = [13]byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}

const tagTypeScript = 0x12

var errMalformed = errors.New("flv: malformed file")

// Request is a pseudo-seek request against an FLV source, mirroring
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
	Head         []byte
	FileOffset   int64
	FileFinish   int64
	Periods      int
	Offsets      []int64
	Start, Stop  float64
}

// Parse implements the FLV parser contract: fingerprint check, tag
// scan for onMetaData, delegation to the offsets compiler, head
// synthesis, and cache population.
func Parse(r io.ReaderAt, req Request, c *cache.Cache) (*Result, error) {
	offsetsKey := cache.Key(req.Path, cache.KeyOffsets)

	var offsets []int64
	if raw, ok := c.Get(offsetsKey); ok {
		offsets = decodeOffsets(raw)
	}

	// Fast path: cached offsets and no seek requested at all.
	if offsets != nil && req.Start == 0 && req.Stop == 0 {
		fileOffset := int64(amf.FlvHeaderSize)
		fileFinish := req.FileLength
		head := synthesizeHead(req, fileFinish-fileOffset+amf.FlvHeaderSize)
		return &Result{
			Head:       head,
			FileOffset: fileOffset,
			FileFinish: fileFinish,
			Periods:    len(offsets),
			Offsets:    offsets,
			Start:      0,
			Stop:       0,
		}, nil
	}

	metaKey := cache.Key(req.Path, ":meta")
	meta, ok := c.Get(metaKey)
	if !ok {
		var err error
		meta, err = extractMetaBlob(r)
		if err != nil {
			return nil, err
		}
		c.Put(metaKey, meta)
	}

	periods, fileOffset, fileFinish, start, stop, compiled, err := amf.CompileOffsets(
		meta, req.Period, req.Start, req.Stop, req.Spatial, req.FileLength)
	if err != nil {
		return nil, err
	}

	// Zero-seek clamp: a compiled start/stop that rounds back to zero
	// forces the structural minimum rather than trusting the compiler.
	if start == 0 {
		fileOffset = amf.FlvHeaderSize
	}
	if stop == 0 {
		fileFinish = req.FileLength
	}

	if offsets == nil {
		offsets = compiled
		c.Put(offsetsKey, encodeOffsets(offsets))
	}

	head := synthesizeHead(req, fileFinish-fileOffset+amf.FlvHeaderSize)
	return &Result{
		Head:       head,
		FileOffset: fileOffset,
		FileFinish: fileFinish,
		Periods:    periods,
		Offsets:    offsets,
		Start:      start,
		Stop:       stop,
	}, nil
}

// extractMetaBlob scans tag headers from offset 13 looking for the
// first script tag whose payload fingerprints as onMetaData.
func extractMetaBlob(r io.ReaderAt) ([]byte, error) {
	var header [13]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, errMalformed
	}
	if header[0] != 'F' || header[1] != 'L' || header[2] != 'V' || header[3] != 0x01 {
		return nil, errMalformed
	}

	offset := int64(13)
	for {
		var tag [11]byte
		if _, err := r.ReadAt(tag[:], offset); err != nil {
			return nil, errMalformed
		}
		tagType := tag[0]
		dataSize := int64(bigendian.Read24(tag[1:4]))
		if tagType != tagTypeScript {
			return nil, errMalformed
		}

		payload := make([]byte, dataSize)
		if _, err := r.ReadAt(payload, offset+11); err != nil {
			return nil, errMalformed
		}

		if len(payload) >= 13 && bytes.HasPrefix(payload, []byte("\x02\x00\x0AonMetaData")) {
			return payload[13:], nil
		}

		offset += 11 + dataSize + 4 // tag header + payload + previous-tag-size
	}
}

// synthesizeHead writes the HTTP response head followed by the literal
// FLV file header, exactly as the original format string did (with its
// trailing newline-terminated header block, CRLF not required by the
// original but harmless to downstream clients).
func synthesizeHead(req Request, contentLength int64) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/%s 200 OK\n", req.HTTPVer)
	fmt.Fprintf(&b, "Content-Type: %s\n", MIME)
	fmt.Fprintf(&b, "Content-Length: %d\n", contentLength)
	fmt.Fprint(&b, "Cache-Control: no-store, no-cache, must-revalidate, post-check=0, pre-check=0\n")
	fmt.Fprint(&b, "Expires: Mon, 29 Mar 1982 12:00:00 GMT\n")
	fmt.Fprintf(&b, "Server: %s %s\n\n", req.ServerName, req.ServerVer)
	b.Write(flvHeader[:])
	return b.Bytes()
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
