package flowpipe

import (
	"sync"
	"sync/atomic"
	"time"
)

// idleDeadline expires an exchange that has seen neither I/O readiness nor
// demand for its timeout. Activity only stamps the time; the timer re-arms
// itself for the remainder when it fires early.
type idleDeadline struct {
	timeout time.Duration
	last    int64      // unix nanos of the last activity
	mu      sync.Mutex // Guards timer and stopped
	timer   *time.Timer
	stopped bool
	expired chan struct{} // closed on expiry
	onIdle  func(idle time.Duration)
}

// newIdleDeadline returns an idleDeadline calling onIdle once on expiry.
// A timeout of zero or less never expires.
func newIdleDeadline(timeout time.Duration, onIdle func(idle time.Duration)) *idleDeadline {
	return &idleDeadline{timeout: timeout, onIdle: onIdle, expired: make(chan struct{})}
}

func (d *idleDeadline) start() {
	d.touch()
	if d.timeout <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped && d.timer == nil {
		d.timer = time.AfterFunc(d.timeout, d.check)
	}
}

// touch records activity.
func (d *idleDeadline) touch() {
	atomic.StoreInt64(&d.last, time.Now().UnixNano())
}

func (d *idleDeadline) check() {
	idle := time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&d.last))
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if idle < d.timeout {
		d.timer.Reset(d.timeout - idle)
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.expired)
	d.mu.Unlock()
	d.onIdle(idle)
}

// stop prevents expiry. Safe to call more than once.
func (d *idleDeadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}

// wait returns a channel that is closed when the deadline expired.
func (d *idleDeadline) wait() <-chan struct{} {
	return d.expired
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
