package flowpipe

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// ResponseWriter implements http.ResponseWriter on top of a Responder for
// handlers running on the worker pool. Written bytes are packed into pooled
// chunks, and Write blocks until the response body has demand for them.
type ResponseWriter struct {
	rw          Responder
	pool        *ChunkPool
	ch          *Channel[*Chunk]
	Code        int         // the HTTP response code from WriteHeader
	HeaderMap   http.Header // the HTTP response headers
	wroteHeader bool
	committed   bool
	cur         *Chunk
	mu          sync.Mutex
	cond        *sync.Cond
	gone        error
	stop        func() bool
}

// NewResponseWriter returns a ResponseWriter completing the exchange of req through rw.
func NewResponseWriter(req *Request, rw Responder) *ResponseWriter {
	w := &ResponseWriter{
		rw:        rw,
		pool:      req.ChunkPool(),
		ch:        NewChunkChannel(1),
		Code:      http.StatusOK,
		HeaderMap: make(http.Header),
	}
	w.cond = sync.NewCond(&w.mu)
	w.ch.OnDemand(func(int64) {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	w.ch.OnCancel(func() { w.setGone(errors.WithStack(ErrCancelled{})) })
	ctx := req.Context()
	w.stop = context.AfterFunc(ctx, func() { w.setGone(context.Cause(ctx)) })
	return w
}

func (w *ResponseWriter) setGone(err error) {
	w.mu.Lock()
	if w.gone == nil {
		w.gone = err
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Header returns the response headers.
func (w *ResponseWriter) Header() http.Header {
	m := w.HeaderMap
	if m == nil {
		m = make(http.Header)
		w.HeaderMap = m
	}
	return m
}

// WriteHeader sets the response code. The head is sent with the first
// chunk of the body, on Flush, or when the handler returns.
func (w *ResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.Code = code
}

func (w *ResponseWriter) commit() {
	if w.committed {
		return
	}
	w.committed = true
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	resp := NewResponse(w.Code, w.ch)
	for k, vv := range w.HeaderMap {
		resp.Header[k] = append([]string(nil), vv...)
	}
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "application/octet-stream")
	}
	if err := w.rw.Respond(resp); err != nil {
		w.setGone(err)
	}
}

// Write copies buf into the response body.
func (w *ResponseWriter) Write(buf []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	written := 0
	for len(buf) > 0 {
		if w.cur == nil {
			w.cur = w.pool.Acquire()
			w.cur.data = w.cur.buf[:0]
		}
		n := copy(w.cur.buf[len(w.cur.data):], buf)
		w.cur.data = w.cur.buf[:len(w.cur.data)+n]
		buf = buf[n:]
		written += n
		if len(w.cur.data) == len(w.cur.buf) {
			if err := w.emit(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush implements http.Flusher. It blocks until the buffered bytes were
// handed to the response body.
func (w *ResponseWriter) Flush() {
	w.commit()
	_ = w.emit()
}

func (w *ResponseWriter) emit() error {
	w.commit()
	c := w.cur
	if c == nil || c.Len() == 0 {
		return nil
	}
	w.cur = nil
	w.mu.Lock()
	for w.gone == nil && w.ch.Demand() <= 0 {
		w.cond.Wait()
	}
	gone := w.gone
	w.mu.Unlock()
	if gone != nil {
		_ = c.Release()
		return gone
	}
	if err := w.ch.Offer(c); err != nil {
		_ = c.Release()
		return err
	}
	return nil
}

// finish flushes what is buffered and completes the body, or fails it with err.
func (w *ResponseWriter) finish(err error) {
	defer w.stop()
	if err != nil {
		if w.cur != nil {
			_ = w.cur.Release()
			w.cur = nil
		}
		if !w.committed {
			w.committed = true
			w.rw.Fail(err)
			return
		}
		_ = w.ch.Fail(err)
		return
	}
	if !w.committed && w.Header().Get("Content-Length") == "" {
		w.HeaderMap.Set("Content-Length", strconv.Itoa(w.cur.Len()))
	}
	if eerr := w.emit(); eerr != nil {
		return
	}
	_ = w.ch.Complete()
}
