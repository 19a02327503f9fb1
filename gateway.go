package flowpipe

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// FromHTTPHandler returns a Handler running an ordinary http.Handler on the
// worker pool. The request body is pulled a chunk at a time as the handler
// reads it, and the response is streamed as the handler writes it, blocking
// the worker while the client is not keeping up.
func FromHTTPHandler(h http.Handler) Handler {
	return HandlerFunc(func(req *Request, rw Responder) {
		err := req.pipeline.workers.Submit(func() {
			serveHTTPHandler(h, req, rw)
		})
		if err != nil {
			rw.Fail(err)
		}
	})
}

func serveHTTPHandler(h http.Handler, req *Request, rw Responder) {
	w := NewResponseWriter(req, rw)
	body := &pullReader{ctx: req.Context(), p: PullChunks(req.Body, 2)}
	defer body.Close()
	hr := &http.Request{
		Method:        req.Method,
		URL:           req.URL,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        req.Header,
		Body:          body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
		RemoteAddr:    req.RemoteAddr,
		RequestURI:    req.RequestURI,
		Close:         req.Close,
	}
	hr = hr.WithContext(req.Context())
	var failure error
	func() {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					failure = errors.WithStack(ErrCancelled{})
					return
				}
				failure = errors.WithStack(&HandlerError{Panic: v})
			}
		}()
		h.ServeHTTP(w, hr)
	}()
	w.finish(failure)
}

// pullReader reads a chunk stream as an io.Reader.
type pullReader struct {
	ctx context.Context
	p   *Puller[*Chunk]
	cur *Chunk
	off int
	err error
}

func (r *pullReader) Read(b []byte) (int, error) {
	for r.cur == nil {
		if r.err != nil {
			return 0, r.err
		}
		c, ok, err := r.p.Next(r.ctx)
		if !ok {
			if err == nil {
				err = io.EOF
			}
			r.err = err
			return 0, err
		}
		r.cur, r.off = c, 0
	}
	n := copy(b, r.cur.Bytes()[r.off:])
	r.off += n
	if r.off >= r.cur.Len() {
		_ = r.cur.Release()
		r.cur = nil
	}
	return n, nil
}

func (r *pullReader) Close() error {
	if r.cur != nil {
		_ = r.cur.Release()
		r.cur = nil
	}
	r.p.Close()
	return nil
}
