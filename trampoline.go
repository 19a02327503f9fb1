package flowpipe

import "sync/atomic"

// trampoline serializes a work loop. A call to run while the loop is already
// running on another frame (or on this goroutine further up the stack) only
// records that another pass is needed, and the running frame makes it.
type trampoline struct {
	wip int32
}

func (t *trampoline) run(fn func()) {
	if atomic.AddInt32(&t.wip, 1) != 1 {
		return
	}
	missed := int32(1)
	for {
		fn()
		if missed = atomic.AddInt32(&t.wip, -missed); missed == 0 {
			return
		}
	}
}
