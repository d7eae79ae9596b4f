package server

import "net/http"

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// sseSink delivers upstream SSE frames to the client. Headers go out lazily
// on the first frame, so the retry chain can still switch providers (or fail
// with a proper error status) before anything reaches the wire.
type sseSink struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	sessionID string
	started   bool
	frames    int
}

func newSSESink(w http.ResponseWriter, sessionID string) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher, sessionID: sessionID}
}

// Send writes one complete SSE frame and flushes it.
func (s *sseSink) Send(frame []byte) error {
	if !s.started {
		s.writeHeaders()
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	s.frames++
	return nil
}

// sent reports whether any frame reached the client. Once true the response
// status and headers are committed.
func (s *sseSink) sent() bool { return s.frames > 0 }

func (s *sseSink) writeHeaders() {
	h := s.w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	if s.sessionID != "" {
		h["X-Session-Id"] = []string{s.sessionID}
	}
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}
