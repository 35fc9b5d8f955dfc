// Package httpapi is the HTTP front door: it turns an incoming request
// into an engine.Stream and hands it to the dispatch pool, then steps
// out of the way. Once engine.Dispatch accepts a stream, every byte
// from then on goes straight from that stream's own goroutine to the
// hijacked connection, never through net/http's response writer.
package httpapi

import (
	"fmt"
	"log"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/arvow/vodstream/internal/config"
	"github.com/arvow/vodstream/internal/engine"
)

// mimeByExtension maps the file extensions the dedicated parsers claim;
// anything else falls through to the generic pass-through parser by way
// of a best-effort net/http MIME lookup.
var mimeByExtension = map[string]string{
	".mp4": engine.MimeMP4,
	".m4v": engine.MimeMP4,
	".flv": engine.MimeFLV,
}

// Server routes every request path to the streaming handler.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	router *mux.Router
}

// New builds a Server backed by eng.
func New(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{cfg: cfg, engine: eng}
	r := mux.NewRouter()
	r.HandleFunc("/{path:.*}", s.handleStream)
	s.router = r
	return s
}

// ListenAndServe blocks serving the media endpoint on cfg.Bind.
func (s *Server) ListenAndServe() error {
	log.Printf("httpapi: serving media on %s", s.cfg.Bind)
	return http.ListenAndServe(s.cfg.Bind, s.router)
}

// handleStream opens the requested file, hijacks the connection, and
// dispatches a Stream built from the request's path/mime/spatial/
// start/stop fields. Once dispatch succeeds the stream's own goroutine
// owns the connection and file handle; this handler never touches them
// again.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New()
	path := "/" + mux.Vars(r)["path"]

	file, err := os.Open(path)
	if err != nil {
		log.Printf("httpapi %s: cannot open %s: %v", reqID, path, err)
		http.NotFound(w, r)
		return
	}

	info, err := file.Stat()
	if err != nil {
		log.Printf("httpapi %s: cannot stat %s: %v", reqID, path, err)
		_ = file.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = file.Close()
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		log.Printf("httpapi %s: hijack failed for %s: %v", reqID, path, err)
		_ = file.Close()
		return
	}

	httpVer := "1.1"
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		httpVer = "1.0"
	}

	q := r.URL.Query()
	start, _ := parseFloatParam(q, "start")
	stop, _ := parseFloatParam(q, "stop")
	spatial := q.Get("spatial") == "true" || q.Get("spatial") == "1"

	st := engine.NewStream(conn, file, info.Size())
	st.ID = reqID
	st.Close = file.Close
	st.MIME = detectMIME(path)
	st.HTTPVer = httpVer
	st.Path = path
	st.Period = s.cfg.Period
	st.Start = start
	st.Stop = stop
	st.Spatial = spatial
	st.ServerName = s.cfg.ServerName
	st.ServerVer = s.cfg.ServerVersion

	switch s.engine.Dispatch(st) {
	case engine.DispatchOK:
		return
	case engine.DispatchOverload:
		log.Printf("httpapi %s: rejecting %s, engine overloaded", reqID, path)
		writeRawStatus(conn, httpVer, http.StatusServiceUnavailable)
	default:
		log.Printf("httpapi %s: rejecting %s, invalid stream", reqID, path)
		writeRawStatus(conn, httpVer, http.StatusBadRequest)
	}
	_ = conn.Close()
	_ = file.Close()
}

// detectMIME resolves a request path to the MIME identifiers the
// dedicated parsers recognize, falling back to net/http's extension
// table and finally to a generic octet stream.
func detectMIME(path string) string {
	ext := filepath.Ext(path)
	if m, ok := mimeByExtension[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func parseFloatParam(q url.Values, name string) (float64, bool) {
	v := q.Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// writeRawStatus writes a bare status line with no reason phrase, the
// same bug-compatible wire shape the engine's own parse-error responses
// use, for streams that engine.Dispatch rejects.
func writeRawStatus(conn net.Conn, httpVer string, code int) {
	_, _ = fmt.Fprintf(conn, "HTTP/%s %d\r\n\r\n", httpVer, code)
}
