package flowpipe

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// EncodePolicy controls how values are coalesced into chunks.
type EncodePolicy struct {
	// BatchValues is how many values are requested from upstream at a time.
	// The staged bytes of a batch are flushed when the batch is complete.
	BatchValues int64
	// FlushBytes flushes a partial batch once this many bytes are staged.
	// Zero means the pool's chunk size.
	FlushBytes int
}

// DefaultEncodePolicy flushes after every value.
var DefaultEncodePolicy = EncodePolicy{BatchValues: 1}

// Encode returns a Publisher of chunks holding the values of src as encoded by
// codec. A value may span several chunks, and a batch of small values is
// coalesced into one. Values are requested from src only when the staged bytes
// have been emitted, and chunks are emitted only against downstream demand.
func Encode[T any](ctx context.Context, src Publisher[T], codec Codec, pool *ChunkPool, policy EncodePolicy) Publisher[*Chunk] {
	if policy.BatchValues < 1 {
		policy.BatchValues = 1
	}
	if policy.FlushBytes < 1 || policy.FlushBytes > pool.ChunkSize() {
		policy.FlushBytes = pool.ChunkSize()
	}
	return &encodePublisher[T]{ctx: ctx, src: src, codec: codec, pool: pool, policy: policy}
}

// EncodeBody returns a Response with status 200 whose body is values encoded
// with the codec registered for contentType and T.
func EncodeBody[T any](req *Request, contentType string, values Publisher[T], policy EncodePolicy) (*Response, error) {
	cr, err := LookupFor[T](req.pipeline.registry, contentType)
	if err != nil {
		return nil, err
	}
	resp := NewResponse(200, Encode(req.Context(), values, cr.Codec, req.pipeline.pool, policy))
	resp.Header.Set("Content-Type", contentType)
	return resp, nil
}

type encodePublisher[T any] struct {
	ctx    context.Context
	src    Publisher[T]
	codec  Codec
	pool   *ChunkPool
	policy EncodePolicy
}

func (p *encodePublisher[T]) Subscribe(s Subscriber[*Chunk]) {
	e := &encoder[T]{
		codec:  p.codec,
		pool:   p.pool,
		policy: p.policy,
		out:    NewChunkChannel(1),
		stage:  bytebufferpool.Get(),
	}
	e.stop = context.AfterFunc(p.ctx, func() { e.abort(context.Cause(p.ctx)) })
	e.out.OnCancel(e.cancel)
	p.src.Subscribe(e)
	e.out.OnDemand(func(int64) { e.pump() })
	e.out.Subscribe(s)
}

type encoder[T any] struct {
	codec    Codec
	pool     *ChunkPool
	policy   EncodePolicy
	out      *Channel[*Chunk]
	stop     func() bool
	mu       sync.Mutex
	up       Subscription
	stage    *bytebufferpool.ByteBuffer
	cursor   int
	index    int
	opened   bool
	closed   bool
	flush    bool
	inflight int64
	upDone   bool
	upErr    error
	finished bool
	loop     trampoline
}

func (e *encoder[T]) OnSubscribe(s Subscription) {
	e.mu.Lock()
	finished := e.finished
	e.up = s
	e.mu.Unlock()
	if finished {
		s.Cancel()
	}
}

func (e *encoder[T]) OnNext(v T) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	err := e.codec.Marshal(e.stage, v, e.index)
	if err != nil {
		err = errors.Wrapf(err, "encode value %d", e.index)
	}
	e.index++
	if e.inflight--; e.inflight <= 0 || e.stage.Len()-e.cursor >= e.policy.FlushBytes {
		e.flush = true
	}
	e.mu.Unlock()
	if err != nil {
		e.finish(err, true)
		return
	}
	e.pump()
}

func (e *encoder[T]) OnError(err error) {
	e.mu.Lock()
	e.upDone, e.upErr = true, err
	e.mu.Unlock()
	e.pump()
}

func (e *encoder[T]) OnComplete() {
	e.mu.Lock()
	e.upDone = true
	e.mu.Unlock()
	e.pump()
}

func (e *encoder[T]) pump() {
	e.loop.run(e.step)
}

func (e *encoder[T]) step() {
	size := e.pool.ChunkSize()
	for {
		e.mu.Lock()
		if e.finished {
			e.mu.Unlock()
			return
		}
		if !e.opened {
			e.codec.Open(e.stage)
			e.opened = true
		}
		if staged := e.stage.Len() - e.cursor; staged > 0 && (staged >= size || e.flush || e.closed) {
			if e.out.Demand() <= 0 {
				e.mu.Unlock()
				return
			}
			if staged > size {
				staged = size
			}
			c := e.pool.AcquireCopy(e.stage.B[e.cursor : e.cursor+staged])
			if e.cursor += staged; e.cursor == e.stage.Len() {
				e.stage.Reset()
				e.cursor = 0
				e.flush = false
			}
			e.mu.Unlock()
			if e.out.Offer(c) != nil {
				_ = c.Release()
				return
			}
			continue
		}
		if e.upErr != nil {
			err := e.upErr
			e.mu.Unlock()
			e.finish(err, false)
			return
		}
		if e.upDone {
			if !e.closed {
				e.codec.Close(e.stage, e.index)
				e.closed = true
				e.mu.Unlock()
				continue
			}
			e.mu.Unlock()
			e.finish(nil, false)
			return
		}
		if e.inflight > 0 || e.up == nil || e.out.Demand() <= 0 {
			e.mu.Unlock()
			return
		}
		n := e.policy.BatchValues
		e.inflight = n
		up := e.up
		e.mu.Unlock()
		_ = up.Request(n)
	}
}

func (e *encoder[T]) release() {
	if e.stage != nil {
		bytebufferpool.Put(e.stage)
		e.stage = nil
	}
}

func (e *encoder[T]) finish(err error, cancelUp bool) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.release()
	up := e.up
	e.mu.Unlock()
	e.stop()
	if cancelUp && up != nil {
		up.Cancel()
	}
	if err != nil {
		_ = e.out.Fail(err)
	} else {
		_ = e.out.Complete()
	}
}

func (e *encoder[T]) abort(cause error) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.release()
	up := e.up
	e.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
	e.out.abandon(cause)
}

func (e *encoder[T]) cancel() {
	e.mu.Lock()
	e.finished = true
	e.release()
	up := e.up
	e.mu.Unlock()
	e.stop()
	if up != nil {
		up.Cancel()
	}
}
