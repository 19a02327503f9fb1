package flowpipe

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

// StreamState is the lifecycle state of a Channel.
type StreamState int32

const (
	// StreamActive accepts demand and emits items.
	StreamActive StreamState = iota
	// StreamCancelled was cancelled by its consumer.
	StreamCancelled
	// StreamCompleted delivered OnComplete.
	StreamCompleted
	// StreamErrored delivered OnError.
	StreamErrored
)

var streamStateText = map[StreamState]string{
	StreamActive:    "Active",
	StreamCancelled: "Cancelled",
	StreamCompleted: "Completed",
	StreamErrored:   "Errored",
}

func (s StreamState) String() string {
	if text, ok := streamStateText[s]; ok {
		return text
	}
	return "Unknown"
}

// Terminal reports whether no further signals will be delivered.
func (s StreamState) Terminal() bool {
	return s != StreamActive
}

// Subscription is the consumer's handle on a producer.
type Subscription interface {
	// Request grants n more items. n must be positive.
	Request(n int64) error
	// Cancel stops the stream. Buffered items are released and no further
	// signals are delivered. Idempotent.
	Cancel()
}

// Subscriber receives the signals of a stream. OnNext is never called more
// times than the demand requested, and at most one of OnError and OnComplete
// is called, after which nothing more is delivered. Signals are never delivered
// concurrently.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(v T)
	OnError(err error)
	OnComplete()
}

// Publisher produces a stream of T for a single Subscriber.
type Publisher[T any] interface {
	Subscribe(s Subscriber[T])
}

// Channel is a demand-driven single-subscriber stream with a bounded buffer.
//
// The producer side calls Offer, Complete, Fail and FailNow, and learns about
// demand through Demand and the OnDemand hook. The consumer side is the
// Subscription handed to the Subscriber.
type Channel[T any] struct {
	mu         sync.Mutex
	sub        Subscriber[T]
	subscribed bool
	items      []T
	head       int
	count      int
	capacity   int
	demand     int64
	requested  uint64
	emitted    uint64
	state      StreamState
	closing    bool
	closeErr   error
	abandoned  bool
	signal     bool
	resuming   bool
	onDemand   func(n int64)
	onCancel   func()
	release    func(T)
	drainer    trampoline
}

var _ Subscription = (*Channel[int])(nil)
var _ Publisher[int] = (*Channel[int])(nil)

// NewChannel returns a Channel that accepts up to capacity items ahead of demand.
// If release is not nil, it is called for every item dropped by cancellation or FailNow.
func NewChannel[T any](capacity int, release func(T)) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{
		capacity: capacity,
		release:  release,
	}
}

// NewChunkChannel returns a Channel of chunks that releases dropped chunks.
func NewChunkChannel(capacity int) *Channel[*Chunk] {
	return NewChannel[*Chunk](capacity, releaseChunk)
}

// OnDemand sets the producer hook called with the unfilled demand when the
// consumer grants more. The hook is never called concurrently with itself.
func (c *Channel[T]) OnDemand(fn func(n int64)) {
	c.mu.Lock()
	c.onDemand = fn
	c.mu.Unlock()
	c.resume()
}

// OnCancel sets the producer hook called once when the consumer cancels.
func (c *Channel[T]) OnCancel(fn func()) {
	c.mu.Lock()
	c.onCancel = fn
	c.mu.Unlock()
}

// Subscribe attaches s. A Channel accepts one Subscriber; later ones are
// failed with a protocol violation.
func (c *Channel[T]) Subscribe(s Subscriber[T]) {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		s.OnSubscribe(nopSubscription{})
		s.OnError(violation("channel already subscribed"))
		return
	}
	c.subscribed = true
	c.sub = s
	c.mu.Unlock()
	s.OnSubscribe(c)
	c.drain()
}

// Request grants n more items. A non-positive n is an InvalidDemandError, which
// fails the stream and cancels the producer unless StrictProtocol is set, in
// which case it panics.
func (c *Channel[T]) Request(n int64) error {
	if n <= 0 {
		err := errors.WithStack(InvalidDemandError{N: n})
		if StrictProtocol {
			panic(err)
		}
		c.rejectDemand(err)
		return err
	}
	c.mu.Lock()
	if c.state != StreamActive {
		c.mu.Unlock()
		return nil
	}
	if c.demand > math.MaxInt64-n {
		c.demand = math.MaxInt64
	} else {
		c.demand += n
	}
	if c.requested > math.MaxUint64-uint64(n) {
		c.requested = math.MaxUint64
	} else {
		c.requested += uint64(n)
	}
	c.signal = !c.closing
	c.mu.Unlock()
	c.drain()
	c.resume()
	return nil
}

// Cancel stops the stream, releases buffered items and calls the OnCancel hook.
func (c *Channel[T]) Cancel() {
	c.mu.Lock()
	if c.state != StreamActive {
		c.mu.Unlock()
		return
	}
	c.state = StreamCancelled
	dropped := c.takeAll()
	fn := c.onCancel
	c.onCancel, c.onDemand = nil, nil
	c.mu.Unlock()
	c.releaseAll(dropped)
	if fn != nil {
		fn()
	}
}

// Offer hands v to the stream. It is emitted at once if there is demand, and
// buffered otherwise. Offering while the buffer is full and demand is exhausted,
// or after a terminal signal, is a protocol violation. Offering after the
// consumer cancelled returns ErrCancelled. If Offer fails, the caller keeps
// ownership of v.
func (c *Channel[T]) Offer(v T) error {
	c.mu.Lock()
	switch {
	case c.state == StreamCancelled || c.abandoned:
		c.mu.Unlock()
		return errors.WithStack(ErrCancelled{})
	case c.state != StreamActive || c.closing:
		c.mu.Unlock()
		return violation("offer after terminal signal")
	case c.count >= c.capacity && int64(c.count) >= c.demand:
		demand := c.demand
		c.mu.Unlock()
		return violation("offer exceeds demand %d with %d items buffered", demand, c.capacity)
	}
	c.push(v)
	c.mu.Unlock()
	c.drain()
	return nil
}

// Complete signals the end of the stream once buffered items have been delivered.
func (c *Channel[T]) Complete() error {
	return c.terminate(nil, false)
}

// Fail signals err once buffered items have been delivered.
func (c *Channel[T]) Fail(err error) error {
	return c.terminate(err, false)
}

// FailNow releases buffered items and signals err at once.
func (c *Channel[T]) FailNow(err error) error {
	return c.terminate(err, true)
}

// Demand returns how many more items may be offered and emitted immediately.
func (c *Channel[T]) Demand() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StreamActive || c.closing {
		return 0
	}
	if n := c.demand - int64(c.count); n > 0 {
		return n
	}
	return 0
}

// State returns the current stream state.
func (c *Channel[T]) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Requested returns the total demand granted so far.
func (c *Channel[T]) Requested() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Emitted returns the number of items delivered to the subscriber.
func (c *Channel[T]) Emitted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

// Buffered returns the number of items waiting for demand.
func (c *Channel[T]) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Channel[T]) terminate(err error, now bool) error {
	c.mu.Lock()
	if c.state == StreamCancelled || c.abandoned {
		c.mu.Unlock()
		return nil
	}
	if c.state != StreamActive || (c.closing && !now) {
		c.mu.Unlock()
		return violation("terminal signal after terminal signal")
	}
	var dropped []T
	if now {
		dropped = c.takeAll()
	}
	c.closing = true
	c.closeErr = err
	c.signal = false
	c.mu.Unlock()
	c.releaseAll(dropped)
	c.drain()
	return nil
}

// abandon fails the stream at once on behalf of the runtime, after which the
// producer's calls are answered with ErrCancelled instead of violations.
func (c *Channel[T]) abandon(err error) bool {
	c.mu.Lock()
	if c.state != StreamActive || c.abandoned {
		c.mu.Unlock()
		return false
	}
	c.abandoned = true
	dropped := c.takeAll()
	c.closing = true
	c.closeErr = err
	c.signal = false
	c.mu.Unlock()
	c.releaseAll(dropped)
	c.drain()
	return true
}

func (c *Channel[T]) rejectDemand(err error) {
	c.mu.Lock()
	fn := c.onCancel
	c.mu.Unlock()
	if c.abandon(err) && fn != nil {
		fn()
	}
}

func (c *Channel[T]) drain() {
	c.drainer.run(c.drainLoop)
}

func (c *Channel[T]) drainLoop() {
	c.mu.Lock()
	for c.sub != nil && c.state == StreamActive {
		sub := c.sub
		if c.demand > 0 && c.count > 0 {
			v := c.pop()
			c.demand--
			c.emitted++
			c.mu.Unlock()
			sub.OnNext(v)
			c.mu.Lock()
			continue
		}
		if c.closing && c.count == 0 {
			err := c.closeErr
			if err != nil {
				c.state = StreamErrored
			} else {
				c.state = StreamCompleted
			}
			c.onDemand, c.onCancel = nil, nil
			c.mu.Unlock()
			if err != nil {
				sub.OnError(err)
			} else {
				sub.OnComplete()
			}
			return
		}
		break
	}
	c.mu.Unlock()
}

// resume calls the OnDemand hook while there is unsignalled, unfilled demand.
// A consumer requesting from inside the hook sets the signal again, and the
// running frame loops instead of nesting. After MaxReentrancyDepth passes the
// loop continues on a new goroutine so a greedy pair cannot pin the caller.
func (c *Channel[T]) resume() {
	c.mu.Lock()
	if c.resuming {
		c.mu.Unlock()
		return
	}
	c.resuming = true
	for passes := 0; ; passes++ {
		fn := c.onDemand
		n := c.demand - int64(c.count)
		if !c.signal || fn == nil || c.state != StreamActive || c.closing || n <= 0 {
			if fn != nil {
				c.signal = false
			}
			c.resuming = false
			c.mu.Unlock()
			return
		}
		if passes >= MaxReentrancyDepth {
			c.resuming = false
			c.mu.Unlock()
			go c.resume()
			return
		}
		c.signal = false
		c.mu.Unlock()
		fn(n)
		c.mu.Lock()
	}
}

func (c *Channel[T]) push(v T) {
	if c.count == len(c.items) {
		size := len(c.items) * 2
		if size < 4 {
			size = 4
		}
		items := make([]T, size)
		for i := 0; i < c.count; i++ {
			items[i] = c.items[(c.head+i)%len(c.items)]
		}
		c.items = items
		c.head = 0
	}
	c.items[(c.head+c.count)%len(c.items)] = v
	c.count++
}

func (c *Channel[T]) pop() (v T) {
	var zero T
	v = c.items[c.head]
	c.items[c.head] = zero
	c.head = (c.head + 1) % len(c.items)
	c.count--
	return
}

func (c *Channel[T]) takeAll() (items []T) {
	for c.count > 0 {
		items = append(items, c.pop())
	}
	c.head = 0
	return
}

func (c *Channel[T]) releaseAll(items []T) {
	if c.release != nil {
		for _, v := range items {
			c.release(v)
		}
	}
}

type nopSubscription struct{}

func (nopSubscription) Request(int64) error { return nil }
func (nopSubscription) Cancel()             {}
