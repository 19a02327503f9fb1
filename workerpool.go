package flowpipe

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs blocking tasks on a fixed number of goroutines fed from a
// bounded queue. Submit never blocks.
type WorkerPool struct {
	tasks   chan func()
	g       errgroup.Group
	mu      sync.RWMutex // Guards closed and sends on tasks
	closed  bool
	busy    int32
	onPanic func(v interface{})
}

// NewWorkerPool starts workers goroutines with a queue of queue tasks.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if queue < 0 {
		queue = 0
	}
	wp := &WorkerPool{tasks: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		wp.g.Go(wp.work)
	}
	return wp
}

func (wp *WorkerPool) work() error {
	for task := range wp.tasks {
		wp.run(task)
	}
	return nil
}

func (wp *WorkerPool) run(task func()) {
	atomic.AddInt32(&wp.busy, 1)
	defer atomic.AddInt32(&wp.busy, -1)
	defer func() {
		if v := recover(); v != nil && wp.onPanic != nil {
			wp.onPanic(v)
		}
	}()
	task()
}

// Submit queues task. It returns ErrPoolSaturated if the queue is full
// and ErrPoolClosed after Close.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return errors.WithStack(ErrPoolClosed{})
	}
	select {
	case wp.tasks <- task:
		return nil
	default:
		return errors.WithStack(ErrPoolSaturated{})
	}
}

// Busy returns the number of tasks running.
func (wp *WorkerPool) Busy() int {
	return int(atomic.LoadInt32(&wp.busy))
}

// Queued returns the number of tasks waiting for a worker.
func (wp *WorkerPool) Queued() int {
	return len(wp.tasks)
}

// Close stops accepting tasks and waits until the queued ones have run.
func (wp *WorkerPool) Close() error {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return nil
	}
	wp.closed = true
	close(wp.tasks)
	wp.mu.Unlock()
	return wp.g.Wait()
}
