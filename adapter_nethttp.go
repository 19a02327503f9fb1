package flowpipe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPHandler serves a Pipeline from a net/http server. Each request gets a
// reader and a writer goroutine bridging the blocking body and
// ResponseWriter to the Transport contract.
type HTTPHandler struct {
	p *Pipeline
	// WebSocket enables serving WebSocket upgrade requests as full-duplex exchanges.
	WebSocket bool
}

// NewHTTPHandler returns an http.Handler for p.
func NewHTTPHandler(p *Pipeline) *HTTPHandler {
	return &HTTPHandler{p: p}
}

type httpSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *httpSink) WriteHead(status int, header http.Header) error {
	dst := s.w.Header()
	for k, vv := range header {
		dst[k] = vv
	}
	s.w.WriteHeader(status)
	return nil
}

func (s *httpSink) Write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *httpSink) Flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *httpSink) Finish() error {
	return nil
}

func (s *httpSink) Abort() {
	_ = s.rc.SetWriteDeadline(time.Now())
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.WebSocket && isWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}
	conf := h.p.conf
	rc := http.NewResponseController(w)
	fullDuplex := conf.FullDuplex && r.ProtoMajor == 1
	if fullDuplex {
		if err := rc.EnableFullDuplex(); err != nil {
			h.p.log.Debug("full duplex unavailable", "err", err)
			fullDuplex = false
		}
	}
	var body = r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	t := newStreamTransport(body, &httpSink{w: w, rc: rc}, h.p.pool.ChunkSize(), conf.WriteBufferHighWaterMark)
	t.startWriter()
	done := make(chan struct{})
	head := HeadFromRequest(r)
	e, err := h.p.serve(head, t, fullDuplex, func(*Exchange) { close(done) })
	if err != nil {
		_ = t.Close()
		t.waitWriter()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	stop := context.AfterFunc(r.Context(), func() {
		cause := errors.WithStack(&AdapterIOError{Op: "peer", Err: context.Cause(r.Context())})
		t.peerGone(cause)
		e.fail(cause)
	})
	<-done
	stop()
	_ = t.Close()
	t.waitWriter()
	if e.Aborted() {
		panic(http.ErrAbortHandler)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		r.ProtoAtLeast(1, 1) &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerHasToken(r.Header, "Connection", "upgrade")
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h[key] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
