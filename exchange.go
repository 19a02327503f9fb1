package flowpipe

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ExchangeState is the lifecycle state of an Exchange.
type ExchangeState int32

const (
	ExchangeCreated ExchangeState = iota
	ExchangeReadingRequest
	ExchangeDispatched
	ExchangeWritingResponse
	ExchangeComplete
	ExchangeErrored
)

var exchangeStateText = map[ExchangeState]string{
	ExchangeCreated:         "Created",
	ExchangeReadingRequest:  "ReadingRequest",
	ExchangeDispatched:      "Dispatched",
	ExchangeWritingResponse: "WritingResponse",
	ExchangeComplete:        "Complete",
	ExchangeErrored:         "Errored",
}

func (s ExchangeState) String() string {
	if text, ok := exchangeStateText[s]; ok {
		return text
	}
	return "Unknown"
}

// Terminal reports whether the exchange has reached its outcome.
func (s ExchangeState) Terminal() bool {
	return s == ExchangeComplete || s == ExchangeErrored
}

// RequestHead is the parsed request line and headers of a request.
type RequestHead struct {
	Method        string
	URL           *url.URL
	RequestURI    string
	Proto         string
	ProtoMajor    int
	ProtoMinor    int
	Header        http.Header
	ContentLength int64
	Host          string
	RemoteAddr    string
	Close         bool
}

// HeadFromRequest copies the head of a net/http request.
func HeadFromRequest(r *http.Request) RequestHead {
	return RequestHead{
		Method:        r.Method,
		URL:           r.URL,
		RequestURI:    r.RequestURI,
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Header:        r.Header,
		ContentLength: r.ContentLength,
		Host:          r.Host,
		RemoteAddr:    r.RemoteAddr,
		Close:         r.Close,
	}
}

// Request is what a Handler sees of an exchange: the head, the body stream
// and the cancellation token.
type Request struct {
	RequestHead
	Body     Publisher[*Chunk]
	Vars     map[string]string
	ctx      context.Context
	pipeline *Pipeline
	exchange *Exchange
}

// Context is cancelled with the failure cause when the exchange fails, and
// with ErrExchangeComplete when it completes.
func (r *Request) Context() context.Context {
	return r.ctx
}

// ContentType returns the request's Content-Type header.
func (r *Request) ContentType() string {
	return r.Header.Get("Content-Type")
}

// ChunkPool returns the pool response bodies should allocate chunks from.
func (r *Request) ChunkPool() *ChunkPool {
	return r.pipeline.pool
}

// Registry returns the codec registry of the pipeline.
func (r *Request) Registry() *Registry {
	return r.pipeline.registry
}

// Logger returns the pipeline logger.
func (r *Request) Logger() Logger {
	return r.pipeline.log
}

// FullDuplex reports whether the request body stays readable while the
// response is written. If not, a handler must consume the body before it
// responds.
func (r *Request) FullDuplex() bool {
	return r.exchange != nil && r.exchange.fullDuplex
}

// Response is a status, headers and a body stream. A nil Body is empty.
type Response struct {
	Status int
	Header http.Header
	Body   Publisher[*Chunk]
}

// NewResponse returns a Response with an empty header.
func NewResponse(status int, body Publisher[*Chunk]) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// TextResponse returns a plain text Response.
func TextResponse(status int, text string) *Response {
	resp := NewResponse(status, ChunksOf([]byte(text)))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(text)))
	return resp
}

// Exchange is one request/response pair on a Transport. It moves through
// ExchangeState, reaches exactly one of Complete and Errored, and owns the
// cancellation token seen by every stage of its streams.
type Exchange struct {
	ID         uint64
	p          *Pipeline
	t          Transport
	head       RequestHead
	state      int32
	ctx        context.Context
	cancel     context.CancelCauseFunc
	req        *Request
	reader     *BodyReader
	idle       *idleDeadline
	fullDuplex bool
	started    time.Time
	onDone     func(*Exchange)
	doneCh     chan struct{}
	doneOnce   sync.Once
	mu         sync.Mutex // Guards fields below
	writer     *BodyWriter
	err        error
	status     int
	aborted    bool
	headClaim  bool
}

func newExchange(p *Pipeline, head RequestHead, t Transport, fullDuplex bool, onDone func(*Exchange)) *Exchange {
	if head.Header == nil {
		head.Header = make(http.Header)
	}
	ctx, cancel := context.WithCancelCause(p.ctx)
	e := &Exchange{
		ID:         atomic.AddUint64(&p.lastExchangeID, 1),
		p:          p,
		t:          t,
		head:       head,
		ctx:        ctx,
		cancel:     cancel,
		fullDuplex: fullDuplex,
		started:    time.Now(),
		onDone:     onDone,
		doneCh:     make(chan struct{}),
	}
	e.idle = newIdleDeadline(p.conf.IdleTimeout, e.expire)
	return e
}

func (e *Exchange) String() string {
	return "[Exchange " + strconv.FormatUint(e.ID, 10) + " " + e.head.Method + " " + e.head.RequestURI + " " + e.State().String() + "]"
}

// State returns the current state.
func (e *Exchange) State() ExchangeState {
	return ExchangeState(atomic.LoadInt32(&e.state))
}

func (e *Exchange) transition(from, to ExchangeState) bool {
	return atomic.CompareAndSwapInt32(&e.state, int32(from), int32(to))
}

// Request returns the request seen by the handler.
func (e *Exchange) Request() *Request {
	return e.req
}

// Done returns a channel closed when the exchange reached its outcome and
// everything it queued has been flushed or aborted.
func (e *Exchange) Done() <-chan struct{} {
	return e.doneCh
}

// Err returns the failure cause of an Errored exchange.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Status returns the response status written, or zero.
func (e *Exchange) Status() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Aborted reports whether the connection was closed mid-response.
func (e *Exchange) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// KeepAlive reports whether the connection may carry another request.
func (e *Exchange) KeepAlive() bool {
	if e.State() != ExchangeComplete || e.head.Close {
		return false
	}
	return e.head.ContentLength == 0 || e.reader.Done()
}

// claimHead reports whether the caller is the one allowed to write the
// response head. Only the first caller is.
func (e *Exchange) claimHead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.headClaim {
		return false
	}
	e.headClaim = true
	return true
}

func (e *Exchange) start() {
	e.transition(ExchangeCreated, ExchangeReadingRequest)
	e.reader = NewBodyReader(e.t, e.p.pool, e.p.stats, e.idle.touch)
	e.req = &Request{
		RequestHead: e.head,
		Body:        e.reader.Body(),
		ctx:         e.ctx,
		pipeline:    e.p,
		exchange:    e,
	}
	e.idle.start()
	e.p.metrics.exchangeStarted()
	if e.p.netLog {
		e.p.log.Debug("exchange started", "id", e.ID, "method", e.head.Method, "uri", e.head.RequestURI, "remote", e.head.RemoteAddr)
	}
	if e.transition(ExchangeReadingRequest, ExchangeDispatched) {
		e.dispatch()
	}
}

func (e *Exchange) dispatch() {
	defer func() {
		if v := recover(); v != nil {
			e.p.log.Error("handler panic", "id", e.ID, "panic", v)
			e.fail(errors.WithStack(&HandlerError{Panic: v}))
		}
	}()
	e.p.handler.ServeFlow(e.req, e)
}

// Respond implements Responder. Unless the exchange is full-duplex, the rest
// of the request body is read and discarded before the head is written, and
// the handler's body stream, if still open, fails with ErrBodyDiscarded.
func (e *Exchange) Respond(resp *Response) error {
	if resp == nil {
		resp = NewResponse(http.StatusNoContent, nil)
	}
	if !e.transition(ExchangeDispatched, ExchangeWritingResponse) {
		cancelBody(resp.Body)
		if st := e.State(); st == ExchangeErrored {
			return e.Err()
		}
		return violation("respond in state %v", e.State())
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	e.mu.Lock()
	e.status = resp.Status
	e.mu.Unlock()
	if e.fullDuplex {
		e.writeResponse(resp)
	} else {
		e.reader.Discard(func() { e.writeResponse(resp) })
	}
	return nil
}

// Fail implements Responder.
func (e *Exchange) Fail(err error) {
	if err == nil {
		err = errors.New("handler failed without an error")
	}
	var he *HandlerError
	if errors.As(err, &he) {
		e.fail(err)
		return
	}
	e.fail(errors.WithStack(&HandlerError{Err: err}))
}

func (e *Exchange) writeResponse(resp *Response) {
	if e.State() != ExchangeWritingResponse {
		cancelBody(resp.Body)
		return
	}
	if !e.claimHead() {
		cancelBody(resp.Body)
		return
	}
	if err := e.t.WriteHead(resp.Status, resp.Header); err != nil {
		cancelBody(resp.Body)
		e.fail(errors.WithStack(&AdapterIOError{Op: "write head", Err: err}))
		return
	}
	w := NewBodyWriter(e.t, e.p.stats, e.idle.touch, e.writeDone)
	e.mu.Lock()
	if e.State() != ExchangeWritingResponse {
		// failed while the head was being written
		e.mu.Unlock()
		cancelBody(resp.Body)
		return
	}
	e.writer = w
	e.mu.Unlock()
	body := resp.Body
	if body == nil {
		body = Empty[*Chunk]()
	}
	body.Subscribe(w)
}

func (e *Exchange) writeDone(err error) {
	if err != nil {
		e.fail(err)
		return
	}
	if e.transition(ExchangeWritingResponse, ExchangeComplete) {
		e.finish()
	}
}

// fail moves the exchange to Errored with err as the cause, unless it already
// reached an outcome. The first failure wins; later ones are logged and dropped.
func (e *Exchange) fail(err error) {
	for {
		st := e.State()
		if st.Terminal() {
			e.p.log.Debug("failure after outcome", "id", e.ID, "state", st.String(), "err", err)
			return
		}
		if e.transition(st, ExchangeErrored) {
			break
		}
	}
	e.mu.Lock()
	e.err = err
	w := e.writer
	e.mu.Unlock()
	e.cancel(err)
	if e.reader != nil {
		e.reader.abort(err)
	}
	if w != nil {
		w.abort()
	}
	if isClosedError(err) {
		e.p.log.Debug("exchange failed", "id", e.ID, "err", err)
	} else {
		e.p.log.Warn("exchange failed", "id", e.ID, "err", err)
	}
	if !e.claimHead() || e.t.HeadWritten() {
		e.mu.Lock()
		e.aborted = true
		e.mu.Unlock()
		e.t.Abort(err)
		e.finish()
		return
	}
	e.sendError(StatusCode(err))
}

// sendError writes a minimal error response and finishes the exchange once it
// has been flushed.
func (e *Exchange) sendError(status int) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	text := []byte(http.StatusText(status) + "\n")
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(text)))
	header.Set("Connection", "close")
	if err := e.t.WriteHead(status, header); err != nil {
		e.abortAndFinish(err)
		return
	}
	c := NewChunk(text)
	if err := e.t.WriteChunk(c); err != nil {
		_ = c.Release()
		e.abortAndFinish(err)
		return
	}
	if err := e.t.Finish(); err != nil {
		e.abortAndFinish(err)
		return
	}
	e.flushThen(e.finish)
}

func (e *Exchange) abortAndFinish(err error) {
	e.mu.Lock()
	e.aborted = true
	e.mu.Unlock()
	e.t.Abort(err)
	e.finish()
}

func (e *Exchange) flushThen(fn func()) {
	var once sync.Once
	try := func() bool {
		err := e.t.Flush()
		if errors.Is(err, ErrWouldBlock{}) {
			return false
		}
		if err != nil {
			e.abortAndFinish(err)
			return true
		}
		once.Do(fn)
		return true
	}
	if try() {
		return
	}
	e.t.RegisterReadiness(DirWrite, func() {
		if try() {
			e.t.DeregisterReadiness(DirWrite)
		}
	})
}

// expire is called by the idle deadline.
func (e *Exchange) expire(idle time.Duration) {
	if e.State().Terminal() {
		// still flushing an error response to a peer that stopped reading
		if !isClosedChan(e.doneCh) {
			e.abortAndFinish(errors.WithStack(IdleTimeoutError{Idle: idle}))
		}
		return
	}
	e.fail(errors.WithStack(IdleTimeoutError{Idle: idle}))
}

func (e *Exchange) finish() {
	e.doneOnce.Do(func() {
		e.cancel(ErrExchangeComplete{})
		if e.reader != nil {
			e.reader.abort(ErrExchangeComplete{})
		}
		e.idle.stop()
		e.p.metrics.exchangeFinished(e)
		if e.p.netLog {
			e.p.log.Debug("exchange finished", "id", e.ID, "state", e.State().String(), "status", e.Status(), "elapsed", time.Since(e.started))
		}
		close(e.doneCh)
		if e.onDone != nil {
			e.onDone(e)
		}
	})
}

// cancelBody releases a response body that will never be written.
func cancelBody(body Publisher[*Chunk]) {
	if body != nil {
		body.Subscribe(cancelSubscriber{})
	}
}

type cancelSubscriber struct{}

func (cancelSubscriber) OnSubscribe(s Subscription) { s.Cancel() }
func (cancelSubscriber) OnNext(c *Chunk)            { _ = c.Release() }
func (cancelSubscriber) OnError(error)              {}
func (cancelSubscriber) OnComplete()                {}
