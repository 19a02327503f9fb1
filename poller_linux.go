//go:build linux

package flowpipe

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollEvents are the epoll events a connection is registered for. Readiness
// is edge-triggered and latched by the connection until it sees EAGAIN.
const pollEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET

// poller runs the epoll loop. Handlers and posted tasks run on the
// goroutine calling run, one at a time.
type poller struct {
	epfd     int
	wakefd   int
	mu       sync.Mutex // Guards fields below
	handlers map[int]func(events uint32)
	tasks    []func()
	closed   bool
	done     chan struct{}
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll_ctl")
	}
	return &poller{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]func(uint32)),
		done:     make(chan struct{}),
	}, nil
}

// add registers fd with handler h.
func (p *poller) add(fd int, events uint32, h func(events uint32)) error {
	p.mu.Lock()
	p.handlers[fd] = h
	p.mu.Unlock()
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		p.mu.Lock()
		delete(p.handlers, fd)
		p.mu.Unlock()
		return errors.Wrap(err, "epoll_ctl add")
	}
	return nil
}

// remove deregisters fd. It must be called before fd is closed.
func (p *poller) remove(fd int) {
	p.mu.Lock()
	delete(p.handlers, fd)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// post queues fn to run on the loop goroutine.
func (p *poller) post(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.tasks = append(p.tasks, fn)
	p.mu.Unlock()
	p.wake()
}

func (p *poller) wake() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(p.wakefd, b[:])
}

// run dispatches events until close is called.
func (p *poller) run() error {
	defer close(p.done)
	events := make([]unix.EpollEvent, 128)
	var buf [8]byte
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait")
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakefd {
				_, _ = unix.Read(p.wakefd, buf[:])
				continue
			}
			p.mu.Lock()
			h := p.handlers[fd]
			p.mu.Unlock()
			if h != nil {
				h(events[i].Events)
			}
		}
		p.mu.Lock()
		tasks, closed := p.tasks, p.closed
		p.tasks = nil
		p.mu.Unlock()
		for _, fn := range tasks {
			fn()
		}
		if closed {
			return nil
		}
	}
}

// close stops the loop and waits for it if it is running.
func (p *poller) close(running bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wake()
	if running {
		<-p.done
	}
	_ = unix.Close(p.wakefd)
	_ = unix.Close(p.epfd)
}
