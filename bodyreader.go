package flowpipe

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// BodyReader publishes the request body of a Transport as pooled chunks.
// It reads only while its subscriber has unfilled demand, and deregisters
// read interest as soon as that demand is met.
type BodyReader struct {
	t         Transport
	pool      *ChunkPool
	ch        *Channel[*Chunk]
	stats     StatsCollector
	touch     func()
	mu        sync.Mutex
	armed     bool
	eof       bool
	stopped   bool
	discard   bool
	onDrained func()
	bytesRead int64
	loop      trampoline
}

// NewBodyReader returns a BodyReader for t. The stats and touch arguments may be nil.
func NewBodyReader(t Transport, pool *ChunkPool, stats StatsCollector, touch func()) *BodyReader {
	if stats == nil {
		stats = nopStats{}
	}
	if touch == nil {
		touch = func() {}
	}
	r := &BodyReader{
		t:     t,
		pool:  pool,
		ch:    NewChunkChannel(1),
		stats: stats,
		touch: touch,
	}
	r.ch.OnDemand(func(int64) {
		r.touch()
		r.pump()
	})
	r.ch.OnCancel(r.disarm)
	return r
}

// Body returns the chunk stream of the request body.
func (r *BodyReader) Body() Publisher[*Chunk] {
	return r.ch
}

// Done reports whether the whole body has been read.
func (r *BodyReader) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof
}

// BytesRead returns the number of body bytes read so far.
func (r *BodyReader) BytesRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesRead
}

// Discard fails the body stream with ErrBodyDiscarded and reads the rest of
// the body without demand, throwing it away. fn is called once the body has
// been read to its end, or at once if it already was.
func (r *BodyReader) Discard(fn func()) {
	r.mu.Lock()
	r.discard = true
	done := r.eof || r.stopped
	if !done {
		r.onDrained = fn
	}
	r.mu.Unlock()
	r.ch.abandon(errors.WithStack(ErrBodyDiscarded{}))
	if done {
		fn()
		return
	}
	r.pump()
}

// abort stops reading and fails the body stream with err.
func (r *BodyReader) abort(err error) {
	r.mu.Lock()
	r.stopped = true
	r.onDrained = nil
	r.mu.Unlock()
	r.disarm()
	r.ch.abandon(err)
}

func (r *BodyReader) pump() {
	r.loop.run(r.step)
}

func (r *BodyReader) step() {
	for {
		r.mu.Lock()
		if r.eof || r.stopped {
			r.mu.Unlock()
			return
		}
		discard := r.discard
		r.mu.Unlock()
		if !discard && r.ch.Demand() <= 0 {
			r.disarm()
			return
		}
		c := r.pool.Acquire()
		n, err := r.t.ReadChunk(c.buf)
		if n > 0 {
			r.touch()
			r.stats.AddBytesRead(int64(n))
			r.mu.Lock()
			r.bytesRead += int64(n)
			r.mu.Unlock()
			if discard {
				_ = c.Release()
			} else if oerr := r.ch.Offer(c.fill(n)); oerr != nil {
				_ = c.Release()
				if err == nil {
					r.disarm()
					return
				}
			}
		} else {
			_ = c.Release()
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrWouldBlock{}):
			r.arm()
			return
		case errors.Cause(err) == io.EOF:
			r.mu.Lock()
			r.eof = true
			fn := r.onDrained
			r.onDrained = nil
			r.mu.Unlock()
			r.disarm()
			if discard {
				if fn != nil {
					fn()
				}
			} else {
				_ = r.ch.Complete()
			}
			return
		default:
			r.mu.Lock()
			r.stopped = true
			fn := r.onDrained
			r.onDrained = nil
			r.mu.Unlock()
			r.disarm()
			ioErr := errors.WithStack(&AdapterIOError{Op: "read", Err: err})
			if r.ch.Fail(ioErr) != nil || discard {
				r.ch.abandon(ioErr)
			}
			if fn != nil {
				fn()
			}
			return
		}
	}
}

func (r *BodyReader) onReadable() {
	r.touch()
	r.pump()
}

func (r *BodyReader) arm() {
	r.mu.Lock()
	if r.armed || r.stopped || r.eof {
		r.mu.Unlock()
		return
	}
	r.armed = true
	r.mu.Unlock()
	r.t.RegisterReadiness(DirRead, r.onReadable)
}

func (r *BodyReader) disarm() {
	r.mu.Lock()
	armed := r.armed
	r.armed = false
	r.mu.Unlock()
	if armed {
		r.t.DeregisterReadiness(DirRead)
	}
}
