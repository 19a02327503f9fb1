package flowpipe

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"
)

// FastHTTPHandler serves a Pipeline from a fasthttp server. The server
// should set StreamRequestBody so request bodies are read as they arrive.
//
// fasthttp writes the response only after the request handler returned, and
// the request body is gone by then, so exchanges are always half-duplex.
type FastHTTPHandler struct {
	p *Pipeline
}

// NewFastHTTPHandler returns a FastHTTPHandler for p.
func NewFastHTTPHandler(p *Pipeline) *FastHTTPHandler {
	return &FastHTTPHandler{p: p}
}

// NewFastHTTPServer returns a fasthttp.Server set up for p.
func NewFastHTTPServer(p *Pipeline) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:           NewFastHTTPHandler(p).Handle,
		Name:              "flowpipe",
		StreamRequestBody: true,
		ReadBufferSize:    p.conf.MaxHeadBytes,
		IdleTimeout:       p.conf.IdleTimeout,
		Logger:            fastLogger{p.log},
	}
}

type fastLogger struct {
	log Logger
}

func (l fastLogger) Printf(format string, args ...interface{}) {
	l.log.Debug("fasthttp", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

type fastSink struct {
	w    *bufio.Writer
	conn net.Conn
}

func (s *fastSink) WriteHead(int, http.Header) error {
	return nil
}

func (s *fastSink) Write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *fastSink) Flush() error {
	return s.w.Flush()
}

func (s *fastSink) Finish() error {
	return nil
}

func (s *fastSink) Abort() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// FastHead copies the head of a fasthttp request.
func FastHead(ctx *fasthttp.RequestCtx) RequestHead {
	rh := &ctx.Request.Header
	head := RequestHead{
		Method:        string(rh.Method()),
		RequestURI:    string(rh.RequestURI()),
		Proto:         string(rh.Protocol()),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: int64(rh.ContentLength()),
		Host:          string(rh.Host()),
		RemoteAddr:    ctx.RemoteAddr().String(),
		Close:         rh.ConnectionClose(),
	}
	if !rh.IsHTTP11() {
		head.ProtoMinor = 0
	}
	if head.ContentLength < 0 {
		head.ContentLength = -1
	}
	head.URL, _ = url.ParseRequestURI(head.RequestURI)
	rh.VisitAll(func(k, v []byte) {
		key := string(k)
		head.Header[key] = append(head.Header[key], string(v))
	})
	return head
}

// Handle is the fasthttp.RequestHandler.
func (h *FastHTTPHandler) Handle(ctx *fasthttp.RequestCtx) {
	head := FastHead(ctx)
	var body io.Reader
	if s := ctx.RequestBodyStream(); s != nil {
		body = s
	} else if b := ctx.Request.Body(); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	if head.ContentLength == 0 {
		body = nil
	}
	sink := &fastSink{conn: ctx.Conn()}
	t := newStreamTransport(body, sink, h.p.pool.ChunkSize(), h.p.conf.WriteBufferHighWaterMark)
	done := make(chan struct{})
	_, err := h.p.serve(head, t, false, func(*Exchange) {
		_ = t.Close()
		close(done)
	})
	if err != nil {
		ctx.SetConnectionClose()
		ctx.Error(err.Error(), fasthttp.StatusServiceUnavailable)
		return
	}
	select {
	case <-t.headCh:
	case <-done:
		if !t.HeadWritten() {
			ctx.SetConnectionClose()
			return
		}
	}
	status, header := t.head()
	ctx.SetStatusCode(status)
	for k, vv := range header {
		switch {
		case strings.EqualFold(k, "Content-Length"):
		case strings.EqualFold(k, "Connection"):
			if headerHasToken(header, k, "close") {
				ctx.SetConnectionClose()
			}
		default:
			for _, v := range vv {
				ctx.Response.Header.Add(k, v)
			}
		}
	}
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sink.w = w
		t.runWriter()
	})
}
