package flowpipe

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Decode returns a Publisher of the values the codec of cr finds in src.
//
// Values are produced only against downstream demand, and src is asked for one
// chunk at a time, only when no complete unit is buffered. Chunks are released
// as soon as their bytes are copied. Cancelling ctx fails the stream with the
// context's cause and cancels src.
func Decode[T any](ctx context.Context, src Publisher[*Chunk], cr *CodecRegistration) Publisher[T] {
	return &decodePublisher[T]{ctx: ctx, src: src, cr: cr}
}

// DecodeBody looks up the codec for the request's content type and value type T
// and decodes the request body with it.
func DecodeBody[T any](req *Request) (Publisher[T], error) {
	cr, err := LookupFor[T](req.pipeline.registry, req.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	return Decode[T](req.Context(), req.Body, cr), nil
}

type decodePublisher[T any] struct {
	ctx context.Context
	src Publisher[*Chunk]
	cr  *CodecRegistration
}

func (p *decodePublisher[T]) Subscribe(s Subscriber[T]) {
	d := &decoder[T]{
		cr:     p.cr,
		framer: p.cr.Codec.NewFramer(),
		out:    NewChannel[T](1, nil),
	}
	d.stop = context.AfterFunc(p.ctx, func() { d.abort(context.Cause(p.ctx)) })
	d.out.OnCancel(d.cancel)
	p.src.Subscribe(d)
	d.out.OnDemand(func(int64) { d.pump() })
	d.out.Subscribe(s)
}

type decoder[T any] struct {
	cr         *CodecRegistration
	framer     Framer
	out        *Channel[T]
	stop       func() bool
	mu         sync.Mutex
	up         Subscription
	acc        []byte
	buf        []byte
	base       int64
	pending    T
	hasPending bool
	inflight   bool
	upDone     bool
	upErr      error
	finished   bool
	loop       trampoline
}

func (d *decoder[T]) OnSubscribe(s Subscription) {
	d.mu.Lock()
	finished := d.finished
	d.up = s
	d.mu.Unlock()
	if finished {
		s.Cancel()
	}
}

func (d *decoder[T]) OnNext(c *Chunk) {
	d.mu.Lock()
	if !d.finished {
		d.feed(c.Bytes())
		d.inflight = false
	}
	d.mu.Unlock()
	_ = c.Release()
	d.pump()
}

func (d *decoder[T]) OnError(err error) {
	d.mu.Lock()
	d.upDone, d.upErr, d.inflight = true, err, false
	d.mu.Unlock()
	d.pump()
}

func (d *decoder[T]) OnComplete() {
	d.mu.Lock()
	d.upDone, d.inflight = true, false
	d.mu.Unlock()
	d.pump()
}

// feed appends p to the unconsumed input, moving the input to the front of
// the buffer first so the buffer does not creep.
func (d *decoder[T]) feed(p []byte) {
	n := len(d.acc)
	if need := n + len(p); need > cap(d.buf) {
		buf := make([]byte, n, need*2)
		copy(buf, d.acc)
		d.buf = buf[:0]
		d.acc = buf
	} else {
		d.acc = d.buf[:copy(d.buf[:n], d.acc)]
	}
	d.acc = append(d.acc, p...)
}

func (d *decoder[T]) pump() {
	d.loop.run(d.step)
}

func (d *decoder[T]) step() {
	for {
		d.mu.Lock()
		if d.finished {
			d.mu.Unlock()
			return
		}
		if d.hasPending {
			if d.out.Demand() <= 0 {
				d.mu.Unlock()
				return
			}
			var zero T
			v := d.pending
			d.pending, d.hasPending = zero, false
			d.mu.Unlock()
			if d.out.Offer(v) != nil {
				return
			}
			continue
		}
		if d.upErr != nil {
			err := d.upErr
			d.mu.Unlock()
			d.finish(err, false)
			return
		}
		if !d.upDone && d.out.Demand() <= 0 {
			d.mu.Unlock()
			return
		}
		advance, unit, err := d.framer.Next(d.acc, d.upDone)
		if err != nil {
			base, buffered := d.base, len(d.acc)
			d.mu.Unlock()
			d.framingFailed(err, base, buffered)
			return
		}
		if advance == 0 && unit == nil {
			if d.upDone {
				d.mu.Unlock()
				d.finish(nil, false)
				return
			}
			if len(d.acc) > d.cr.MaxBufferedBytes {
				err := &DecodeError{Offset: d.base, Err: errors.Errorf("unit exceeds %d bytes", d.cr.MaxBufferedBytes)}
				d.mu.Unlock()
				d.finish(errors.WithStack(err), true)
				return
			}
			if d.inflight || d.up == nil {
				d.mu.Unlock()
				return
			}
			d.inflight = true
			up := d.up
			d.mu.Unlock()
			_ = up.Request(1)
			continue
		}
		offset := d.base
		if unit != nil && cap(unit) <= cap(d.acc) {
			offset += int64(cap(d.acc) - cap(unit))
		}
		d.acc = d.acc[advance:]
		d.base += int64(advance)
		if unit == nil {
			d.mu.Unlock()
			continue
		}
		var v T
		err = d.cr.Codec.Unmarshal(unit, &v)
		if err == nil {
			d.pending, d.hasPending = v, true
		}
		d.mu.Unlock()
		if err != nil {
			de := &DecodeError{Offset: offset, Err: err}
			if d.cr.Codec.SelfDelimiting() {
				d.cr.reportSkipped(de)
				continue
			}
			d.finish(errors.WithStack(de), true)
			return
		}
	}
}

func (d *decoder[T]) framingFailed(err error, base int64, buffered int) {
	switch e := err.(type) {
	case errIncomplete:
		if d.cr.OnTruncated == TruncationBestEffort {
			d.cr.reportSkipped(&DecodeError{Offset: base, Err: errors.Errorf("dropped %d trailing bytes", buffered)})
			d.finish(nil, false)
			return
		}
		d.finish(errors.WithStack(&TruncatedInputError{Offset: base, Buffered: buffered}), false)
	case frameError:
		d.finish(errors.WithStack(&DecodeError{Offset: base + int64(e.Pos), Err: errors.New(e.Msg)}), true)
	default:
		d.finish(errors.WithStack(&DecodeError{Offset: base, Err: err}), true)
	}
}

func (d *decoder[T]) finish(err error, cancelUp bool) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	d.acc, d.buf = nil, nil
	up := d.up
	d.mu.Unlock()
	d.stop()
	if cancelUp && up != nil {
		up.Cancel()
	}
	if err != nil {
		_ = d.out.Fail(err)
	} else {
		_ = d.out.Complete()
	}
}

// abort ends the stream on cancellation of the exchange.
func (d *decoder[T]) abort(cause error) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	d.acc, d.buf = nil, nil
	up := d.up
	d.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
	d.out.abandon(cause)
}

// cancel is called when the consumer cancels the decoded stream.
func (d *decoder[T]) cancel() {
	d.mu.Lock()
	d.finished = true
	d.acc, d.buf = nil, nil
	up := d.up
	d.mu.Unlock()
	d.stop()
	if up != nil {
		up.Cancel()
	}
}
