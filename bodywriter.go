package flowpipe

import (
	"sync"

	"github.com/pkg/errors"
)

// BodyWriter writes a chunk stream to a Transport. It holds at most one chunk,
// requests the next only after the transport accepted the previous one, and
// waits for write readiness whenever the transport is above its high-water mark.
type BodyWriter struct {
	t         Transport
	stats     StatsCollector
	touch     func()
	onDone    func(err error)
	mu        sync.Mutex
	up        Subscription
	pending   *Chunk
	requested bool
	upDone    bool
	upErr     error
	finishing bool
	finished  bool
	armed     bool
	written   int64
	loop      trampoline
}

// NewBodyWriter returns a BodyWriter that calls onDone once, with nil after the
// transport flushed the end of the body, or with the error that stopped it.
func NewBodyWriter(t Transport, stats StatsCollector, touch func(), onDone func(err error)) *BodyWriter {
	if stats == nil {
		stats = nopStats{}
	}
	if touch == nil {
		touch = func() {}
	}
	return &BodyWriter{t: t, stats: stats, touch: touch, onDone: onDone}
}

// BytesWritten returns the number of body bytes accepted by the transport.
func (w *BodyWriter) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// OnSubscribe implements Subscriber.
func (w *BodyWriter) OnSubscribe(s Subscription) {
	w.mu.Lock()
	finished := w.finished
	w.up = s
	w.mu.Unlock()
	if finished {
		s.Cancel()
		return
	}
	w.pump()
}

// OnNext implements Subscriber.
func (w *BodyWriter) OnNext(c *Chunk) {
	w.mu.Lock()
	if w.finished || w.pending != nil {
		w.mu.Unlock()
		_ = c.Release()
		return
	}
	w.pending = c
	w.requested = false
	w.mu.Unlock()
	w.pump()
}

// OnError implements Subscriber.
func (w *BodyWriter) OnError(err error) {
	w.mu.Lock()
	w.upDone, w.upErr = true, err
	w.mu.Unlock()
	w.pump()
}

// OnComplete implements Subscriber.
func (w *BodyWriter) OnComplete() {
	w.mu.Lock()
	w.upDone = true
	w.mu.Unlock()
	w.pump()
}

func (w *BodyWriter) pump() {
	w.loop.run(w.step)
}

func (w *BodyWriter) step() {
	for {
		w.mu.Lock()
		if w.finished {
			w.mu.Unlock()
			return
		}
		if c := w.pending; c != nil {
			w.pending = nil
			w.mu.Unlock()
			n := int64(c.Len())
			err := w.t.WriteChunk(c)
			if errors.Is(err, ErrWouldBlock{}) {
				w.mu.Lock()
				if w.finished {
					w.mu.Unlock()
					_ = c.Release()
					return
				}
				w.pending = c
				w.mu.Unlock()
				w.arm()
				return
			}
			if err != nil {
				_ = c.Release()
				w.done(errors.WithStack(&AdapterIOError{Op: "write", Err: err}))
				return
			}
			w.mu.Lock()
			w.written += n
			w.mu.Unlock()
			w.stats.AddBytesWritten(n)
			w.touch()
			continue
		}
		if w.upErr != nil {
			err := w.upErr
			w.mu.Unlock()
			w.done(err)
			return
		}
		if w.upDone {
			if !w.finishing {
				w.finishing = true
				w.mu.Unlock()
				if err := w.t.Finish(); err != nil {
					w.done(errors.WithStack(&AdapterIOError{Op: "finish", Err: err}))
					return
				}
				continue
			}
			w.mu.Unlock()
			err := w.t.Flush()
			if errors.Is(err, ErrWouldBlock{}) {
				w.arm()
				return
			}
			if err != nil {
				err = errors.WithStack(&AdapterIOError{Op: "flush", Err: err})
			}
			w.done(err)
			return
		}
		if w.requested || w.up == nil {
			w.mu.Unlock()
			return
		}
		w.requested = true
		up := w.up
		w.mu.Unlock()
		_ = up.Request(1)
	}
}

func (w *BodyWriter) onWritable() {
	w.touch()
	w.pump()
}

func (w *BodyWriter) arm() {
	w.mu.Lock()
	if w.armed || w.finished {
		w.mu.Unlock()
		return
	}
	w.armed = true
	w.mu.Unlock()
	w.t.RegisterReadiness(DirWrite, w.onWritable)
}

func (w *BodyWriter) stop() (up Subscription, ok bool) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil, false
	}
	w.finished = true
	pending, armed := w.pending, w.armed
	w.pending, w.armed = nil, false
	up = w.up
	w.mu.Unlock()
	if pending != nil {
		_ = pending.Release()
	}
	if armed {
		w.t.DeregisterReadiness(DirWrite)
	}
	return up, true
}

func (w *BodyWriter) done(err error) {
	up, ok := w.stop()
	if !ok {
		return
	}
	if err != nil && up != nil {
		up.Cancel()
	}
	if w.onDone != nil {
		w.onDone(err)
	}
}

// abort stops writing without calling onDone and cancels the body stream.
func (w *BodyWriter) abort() {
	if up, ok := w.stop(); ok && up != nil {
		up.Cancel()
	}
}
