package flowpipe

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestPipeline(h Handler, opts ...Option) *Pipeline {
	return NewPipeline(h, append([]Option{WithLogger(nil)}, opts...)...)
}

func testHead(method, uri string) RequestHead {
	return RequestHead{Method: method, RequestURI: uri, Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1}
}

func respondText(text string) Handler {
	return HandlerFunc(func(req *Request, rw Responder) {
		_ = rw.Respond(TextResponse(http.StatusOK, text))
	})
}

func waitDone(t *testing.T, e *Exchange) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(timeoutShort):
		t.Fatalf("%v not done", e)
	}
}

func Test_ExchangeState_String(t *testing.T) {
	assert.Equal(t, "Created", ExchangeCreated.String())
	assert.Equal(t, "WritingResponse", ExchangeWritingResponse.String())
	assert.Equal(t, "Errored", ExchangeErrored.String())
	assert.Equal(t, "Unknown", ExchangeState(42).String())
	assert.False(t, ExchangeDispatched.Terminal())
	assert.True(t, ExchangeComplete.Terminal())
	assert.True(t, ExchangeErrored.Terminal())
}

func Test_Exchange_String(t *testing.T) {
	p := newTestPipeline(respondText("hi"))
	defer p.Close()
	e, err := p.Serve(testHead("GET", "/x"), newFakeTransport("", true), nil)
	assert.NoError(t, err)
	assert.Contains(t, e.String(), "GET /x Complete")
}

func Test_Exchange_Respond_HalfDuplexDiscardsBody(t *testing.T) {
	p := newTestPipeline(respondText("hi"))
	defer p.Close()
	ft := newFakeTransport("ignored body", true)
	var doneCalls int
	e, err := p.Serve(testHead("POST", "/"), ft, func(*Exchange) { doneCalls++ })
	assert.NoError(t, err)
	assert.Equal(t, ExchangeComplete, e.State())
	assert.True(t, isClosedChan(e.Done()))
	assert.Equal(t, 1, doneCalls)
	assert.Equal(t, http.StatusOK, ft.status)
	assert.Equal(t, "hi", ft.output())
	assert.True(t, ft.finished)
	assert.Equal(t, 0, ft.pending())
	assert.True(t, e.KeepAlive())
	assert.NoError(t, e.Err())
	assert.Equal(t, 0, p.Active())
}

func Test_Exchange_Respond_WaitsForBodyEnd(t *testing.T) {
	p := newTestPipeline(respondText("hi"))
	defer p.Close()
	ft := newFakeTransport("part", false)
	e, err := p.Serve(testHead("POST", "/"), ft, nil)
	assert.NoError(t, err)
	assert.Equal(t, ExchangeWritingResponse, e.State())
	assert.False(t, ft.HeadWritten(), "head waits until the body was read")
	assert.Equal(t, 1, p.Active())

	ft.feed("rest", true)
	assert.Equal(t, ExchangeComplete, e.State())
	assert.Equal(t, "hi", ft.output())
	assert.Equal(t, 0, p.Active())
}

func Test_Exchange_Respond_DiscardFailsBodyStream(t *testing.T) {
	r := newRecorder[*Chunk](0)
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		req.Body.Subscribe(r)
		_ = rw.Respond(nil)
	}))
	defer p.Close()
	ft := newFakeTransport("body", true)
	e, _ := p.Serve(testHead("POST", "/"), ft, nil)
	assert.Equal(t, ExchangeComplete, e.State())
	assert.Equal(t, http.StatusNoContent, ft.status)
	_, err, _, terminals := r.snapshot()
	assert.Equal(t, 1, terminals)
	assert.True(t, errors.Is(err, ErrBodyDiscarded{}))
}

func Test_Exchange_FullDuplexEcho(t *testing.T) {
	conf := DefaultConnectionConfig()
	conf.FullDuplex = true
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		assert.True(t, req.FullDuplex())
		_ = rw.Respond(NewResponse(http.StatusOK, req.Body))
	}), WithConnection(conf), WithChunkPool(NewChunkPool(4, 8)))
	defer p.Close()
	ft := newFakeTransport("", false)
	e, err := p.Serve(testHead("POST", "/echo"), ft, nil)
	assert.NoError(t, err)
	assert.True(t, ft.HeadWritten(), "head is written before the body arrives")

	ft.feed("hello", false)
	assert.Equal(t, "hello", ft.output())
	assert.Equal(t, ExchangeWritingResponse, e.State())

	ft.feed(" world", true)
	assert.Equal(t, "hello world", ft.output())
	assert.Equal(t, ExchangeComplete, e.State())
	assert.True(t, e.KeepAlive())
}

func Test_Exchange_FullDuplexNoBodyKeepsAlive(t *testing.T) {
	conf := DefaultConnectionConfig()
	conf.FullDuplex = true
	p := newTestPipeline(respondText("hi"), WithConnection(conf))
	defer p.Close()

	ft := newFakeTransport("", false)
	e, err := p.Serve(testHead("GET", "/"), ft, nil)
	assert.NoError(t, err)
	assert.Equal(t, ExchangeComplete, e.State())
	assert.Equal(t, "hi", ft.output())
	assert.Equal(t, 0, ft.reads)
	assert.True(t, e.KeepAlive())

	head := testHead("POST", "/")
	head.ContentLength = -1
	ft = newFakeTransport("", false)
	e, err = p.Serve(head, ft, nil)
	assert.NoError(t, err)
	assert.Equal(t, ExchangeComplete, e.State())
	assert.False(t, e.KeepAlive(), "unread body of unknown length")
}

func Test_Exchange_FailWhileHeadIsWritten(t *testing.T) {
	setStrict(t, true)
	var ex *Exchange
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		ex = req.exchange
		_ = rw.Respond(TextResponse(http.StatusOK, "hi"))
	}))
	defer p.Close()
	boom := errors.New("boom")
	ft := newFakeTransport("", true)
	ft.headFn = func() { ex.Fail(boom) }

	e, err := p.Serve(testHead("GET", "/"), ft, nil)
	assert.NoError(t, err)
	assert.Equal(t, ExchangeErrored, e.State())
	assert.Equal(t, http.StatusOK, ft.status)
	assert.True(t, e.Aborted())
	assert.NotNil(t, ft.aborted)
	assert.Equal(t, "", ft.output())
	assert.False(t, ft.finished)
	assert.True(t, errors.Is(e.Err(), boom))
	assert.True(t, isClosedChan(e.Done()))
	assert.False(t, e.KeepAlive())
}

func Test_Exchange_Fail_BeforeHead(t *testing.T) {
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		rw.Fail(&StatusError{Code: http.StatusTeapot})
	}))
	defer p.Close()
	ft := newFakeTransport("", true)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.Equal(t, ExchangeErrored, e.State())
	assert.Equal(t, http.StatusTeapot, ft.status)
	assert.Equal(t, http.StatusTeapot, e.Status())
	assert.Equal(t, "close", ft.header.Get("Connection"))
	assert.Equal(t, "I'm a teapot\n", ft.output())
	assert.False(t, e.Aborted())
	assert.False(t, e.KeepAlive())
	var se *StatusError
	assert.True(t, errors.As(e.Err(), &se))
	var he *HandlerError
	assert.True(t, errors.As(e.Err(), &he))
}

func Test_Exchange_HandlerPanic(t *testing.T) {
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		panic("oops")
	}))
	defer p.Close()
	ft := newFakeTransport("", true)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.Equal(t, ExchangeErrored, e.State())
	assert.Equal(t, http.StatusInternalServerError, ft.status)
	var he *HandlerError
	if assert.True(t, errors.As(e.Err(), &he)) {
		assert.Equal(t, "oops", he.Panic)
	}
}

func Test_Exchange_FailAfterHead_Aborts(t *testing.T) {
	ch := NewChunkChannel(4)
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		_ = rw.Respond(NewResponse(http.StatusOK, ch))
	}))
	defer p.Close()
	ft := newFakeTransport("", true)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.True(t, ft.HeadWritten())
	assert.NoError(t, ch.Offer(NewChunk([]byte("a"))))
	boom := errors.New("boom")
	assert.NoError(t, ch.Fail(boom))

	assert.Equal(t, ExchangeErrored, e.State())
	assert.True(t, e.Aborted())
	assert.Equal(t, boom, errors.Cause(e.Err()))
	assert.NotNil(t, ft.aborted)
	assert.Equal(t, "a", ft.output())
	assert.False(t, ft.finished)
	assert.True(t, isClosedChan(e.Done()))
}

func Test_Exchange_ClientGoneStopsPulling(t *testing.T) {
	const planned = 10
	pulled := 0
	ch := NewChunkChannel(1)
	ch.OnDemand(func(n int64) {
		for ; n > 0 && pulled < planned; n-- {
			pulled++
			if ch.Offer(NewChunk([]byte(strconv.Itoa(pulled)))) != nil {
				return
			}
		}
		if pulled == planned {
			_ = ch.Complete()
		}
	})
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		_ = rw.Respond(NewResponse(http.StatusOK, ch))
	}))
	defer p.Close()
	ft := newFakeTransport("", true)
	ft.hwm = 1
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.Equal(t, "1", ft.output())
	assert.True(t, ft.writeRegistered())

	before := pulled
	ft.mu.Lock()
	ft.writeErr = &AdapterIOError{Op: "write", Err: io.ErrClosedPipe}
	ft.mu.Unlock()
	ft.drain()

	assert.Equal(t, ExchangeErrored, e.State())
	assert.True(t, e.Aborted())
	assert.False(t, ft.writeRegistered())
	assert.Equal(t, StreamCancelled, ch.State())
	assert.Equal(t, before, pulled, "nothing is pulled after the client went away")
	assert.Less(t, pulled, planned)
	assert.Equal(t, "1", ft.output())
}

func Test_Exchange_FirstOutcomeWins(t *testing.T) {
	setStrict(t, false)
	var err1, err2 error
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		err1 = rw.Respond(TextResponse(http.StatusOK, "one"))
		err2 = rw.Respond(TextResponse(http.StatusCreated, "two"))
		rw.Fail(errors.New("late"))
	}))
	defer p.Close()
	ft := newFakeTransport("", true)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.NoError(t, err1)
	assert.IsType(t, ProtocolViolationError{}, errors.Cause(err2))
	assert.Equal(t, ExchangeComplete, e.State())
	assert.NoError(t, e.Err())
	assert.Equal(t, "one", ft.output())
}

func Test_Exchange_RespondAfterFailureReturnsCause(t *testing.T) {
	var ctx context.Context
	var rw Responder
	p := newTestPipeline(HandlerFunc(func(req *Request, r Responder) {
		ctx, rw = req.Context(), r
	}))
	ft := newFakeTransport("", false)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.NoError(t, p.Close())
	assert.Equal(t, ExchangeErrored, e.State())
	assert.Equal(t, http.StatusServiceUnavailable, ft.status)
	assert.True(t, IsServerClosed(e.Err()))
	assert.True(t, IsServerClosed(context.Cause(ctx)))

	ch := NewChunkChannel(1)
	err := rw.Respond(NewResponse(http.StatusOK, ch))
	assert.True(t, IsServerClosed(err))
	assert.Equal(t, StreamCancelled, ch.State(), "refused body is cancelled")
}

func Test_Exchange_ContextCause(t *testing.T) {
	var failed, completed context.Context
	boom := errors.New("boom")
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		if req.RequestURI == "/fail" {
			failed = req.Context()
			rw.Fail(boom)
			return
		}
		completed = req.Context()
		_ = rw.Respond(nil)
	}))
	defer p.Close()
	_, _ = p.Serve(testHead("GET", "/fail"), newFakeTransport("", true), nil)
	_, _ = p.Serve(testHead("GET", "/ok"), newFakeTransport("", true), nil)
	assert.True(t, errors.Is(context.Cause(failed), boom))
	assert.Equal(t, ErrExchangeComplete{}, context.Cause(completed))
}

func Test_Exchange_IdleTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	conf := DefaultConnectionConfig()
	conf.IdleTimeout = 20 * time.Millisecond
	var ctx context.Context
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		ctx = req.Context()
	}), WithConnection(conf))
	defer p.Close()
	ft := newFakeTransport("", false)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	waitDone(t, e)
	assert.Equal(t, ExchangeErrored, e.State())
	assert.Equal(t, http.StatusRequestTimeout, e.Status())
	var it IdleTimeoutError
	assert.True(t, errors.As(e.Err(), &it))
	assert.GreaterOrEqual(t, it.Idle, conf.IdleTimeout)
	assert.True(t, errors.As(context.Cause(ctx), &it))
}

func Test_Exchange_IdleTimeoutAfterHead(t *testing.T) {
	defer leaktest.Check(t)()
	conf := DefaultConnectionConfig()
	conf.IdleTimeout = 20 * time.Millisecond
	ch := NewChunkChannel(1)
	p := newTestPipeline(HandlerFunc(func(req *Request, rw Responder) {
		_ = rw.Respond(NewResponse(http.StatusOK, ch))
	}), WithConnection(conf))
	defer p.Close()
	ft := newFakeTransport("", true)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	waitDone(t, e)
	assert.True(t, e.Aborted())
	assert.NotNil(t, ft.aborted)
	assert.Equal(t, StreamCancelled, ch.State())
}

func Test_Exchange_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := NewChunkPool(64, 4)
	m := NewMetrics(reg, pool)
	p := newTestPipeline(respondText("hello"), WithMetrics(m), WithChunkPool(pool))
	defer p.Close()
	_, _ = p.Serve(testHead("POST", "/"), newFakeTransport("abc", true), nil)
	_, _ = p.Serve(testHead("GET", "/"), newFakeTransport("", true), nil)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Exchanges.WithLabelValues("complete", "200")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveExchanges))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.BytesWritten))
}

func Test_Pipeline_ServeAfterClose(t *testing.T) {
	defer leaktest.Check(t)()
	p := newTestPipeline(nil)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	_, err := p.Serve(testHead("GET", "/"), newFakeTransport("", true), nil)
	assert.True(t, IsServerClosed(err))
}

func Test_Pipeline_DefaultHandlerIsNotFound(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()
	ft := newFakeTransport("", true)
	e, _ := p.Serve(testHead("GET", "/"), ft, nil)
	assert.Equal(t, http.StatusNotFound, ft.status)
	assert.Equal(t, ExchangeErrored, e.State())
	assert.True(t, p.Registry().Frozen())
	assert.NotNil(t, p.ChunkPool())
	assert.NotNil(t, p.Logger())
	assert.Equal(t, DefaultIdleTimeout, p.Config().IdleTimeout)
}
