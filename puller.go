package flowpipe

import (
	"context"
	"sync"
)

// Puller adapts a Publisher to blocking iteration for code running on a
// WorkerPool goroutine. It keeps at most prefetch items requested ahead.
type Puller[T any] struct {
	mu       sync.Mutex
	sub      Subscription
	queue    []T
	done     bool
	closed   bool
	err      error
	prefetch int64
	limit    int64
	consumed int64
	signal   chan struct{}
	release  func(T)
}

// Pull subscribes to pub and returns a Puller over it. The items left
// unconsumed when the Puller is closed are passed to release, if not nil.
func Pull[T any](pub Publisher[T], prefetch int, release func(T)) *Puller[T] {
	if prefetch < 1 {
		prefetch = 1
	}
	limit := int64(prefetch / 2)
	if limit < 1 {
		limit = 1
	}
	p := &Puller[T]{
		prefetch: int64(prefetch),
		limit:    limit,
		signal:   make(chan struct{}, 1),
		release:  release,
	}
	pub.Subscribe(p)
	return p
}

// PullChunks returns a Puller over a chunk stream that releases unconsumed chunks on Close.
func PullChunks(pub Publisher[*Chunk], prefetch int) *Puller[*Chunk] {
	return Pull(pub, prefetch, releaseChunk)
}

// OnSubscribe implements Subscriber.
func (p *Puller[T]) OnSubscribe(s Subscription) {
	p.mu.Lock()
	p.sub = s
	p.mu.Unlock()
	_ = s.Request(p.prefetch)
}

// OnNext implements Subscriber.
func (p *Puller[T]) OnNext(v T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.release != nil {
			p.release(v)
		}
		return
	}
	p.queue = append(p.queue, v)
	p.mu.Unlock()
	p.notify()
}

// OnError implements Subscriber.
func (p *Puller[T]) OnError(err error) {
	p.mu.Lock()
	p.done, p.err = true, err
	p.mu.Unlock()
	p.notify()
}

// OnComplete implements Subscriber.
func (p *Puller[T]) OnComplete() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.notify()
}

func (p *Puller[T]) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an item is available, the stream ends or ctx is done.
// It returns ok false at the end of the stream, with the stream's error if it failed.
func (p *Puller[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			var zero T
			v = p.queue[0]
			p.queue[0] = zero
			p.queue = p.queue[1:]
			var replenish int64
			if !p.done {
				if p.consumed++; p.consumed >= p.limit {
					replenish, p.consumed = p.consumed, 0
				}
			}
			sub := p.sub
			p.mu.Unlock()
			if replenish > 0 {
				_ = sub.Request(replenish)
			}
			return v, true, nil
		}
		if p.done {
			err = p.err
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		select {
		case <-p.signal:
		case <-ctx.Done():
			err = context.Cause(ctx)
			return
		}
	}
}

// Close cancels the stream and releases unconsumed items.
func (p *Puller[T]) Close() {
	p.mu.Lock()
	sub := p.sub
	queue := p.queue
	p.queue = nil
	p.done, p.closed = true, true
	p.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	if p.release != nil {
		for _, v := range queue {
			p.release(v)
		}
	}
}
