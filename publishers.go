package flowpipe

// FromSlice returns a Publisher emitting items in order and then completing.
// Each Subscriber gets its own pass over items.
func FromSlice[T any](items []T) Publisher[T] {
	return slicePublisher[T](items)
}

// Just returns a Publisher emitting the given items.
func Just[T any](items ...T) Publisher[T] {
	return slicePublisher[T](items)
}

// Empty returns a Publisher that completes without emitting.
func Empty[T any]() Publisher[T] {
	return slicePublisher[T](nil)
}

// Failed returns a Publisher that fails with err without emitting.
func Failed[T any](err error) Publisher[T] {
	return failedPublisher[T]{err: err}
}

// Generate returns a Publisher that calls next once per unit of demand. next
// returns ok false to complete the stream, or an error to fail it.
func Generate[T any](next func() (v T, ok bool, err error)) Publisher[T] {
	return generatePublisher[T](next)
}

// ChunksOf returns a Publisher of unpooled chunks, one per element of parts.
func ChunksOf(parts ...[]byte) Publisher[*Chunk] {
	return Generate(func() (*Chunk, bool, error) {
		if len(parts) == 0 {
			return nil, false, nil
		}
		c := NewChunk(parts[0])
		parts = parts[1:]
		return c, true, nil
	})
}

type slicePublisher[T any] []T

func (p slicePublisher[T]) Subscribe(s Subscriber[T]) {
	i := 0
	Generate(func() (v T, ok bool, err error) {
		if i < len(p) {
			v, ok = p[i], true
			i++
		}
		return
	}).Subscribe(s)
}

type failedPublisher[T any] struct {
	err error
}

func (p failedPublisher[T]) Subscribe(s Subscriber[T]) {
	ch := NewChannel[T](1, nil)
	_ = ch.Fail(p.err)
	ch.Subscribe(s)
}

type generatePublisher[T any] func() (T, bool, error)

func (next generatePublisher[T]) Subscribe(s Subscriber[T]) {
	ch := NewChannel[T](1, nil)
	ch.OnDemand(func(n int64) {
		for ; n > 0; n-- {
			v, ok, err := next()
			if err != nil {
				_ = ch.Fail(err)
				return
			}
			if !ok {
				_ = ch.Complete()
				return
			}
			if ch.Offer(v) != nil {
				return
			}
		}
	})
	ch.Subscribe(s)
}
