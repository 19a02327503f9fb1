//go:build linux

package flowpipe

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type epollLoop struct {
	srv   *EventLoopServer
	p     *poller
	lfd   int
	mu    sync.Mutex // Guards fields below
	conns map[*fdConn]struct{}
	ran   bool
	shut  bool
}

func newEventLoop(srv *EventLoopServer) (eventLoop, error) {
	if srv.Pipeline == nil {
		return nil, errors.New("event loop server without a pipeline")
	}
	lfd, addr, err := listenTCP(srv.getListenAddr(srv.Addr))
	if err != nil {
		return nil, err
	}
	p, err := newPoller()
	if err != nil {
		_ = unix.Close(lfd)
		return nil, err
	}
	l := &epollLoop{srv: srv, p: p, lfd: lfd, conns: make(map[*fdConn]struct{})}
	if err = p.add(lfd, unix.EPOLLIN, l.onAccept); err != nil {
		p.close(false)
		_ = unix.Close(lfd)
		return nil, err
	}
	srv.Addr = addr
	return l, nil
}

// listenTCP opens a non-blocking listening socket.
func listenTCP(address string) (int, string, error) {
	ta, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, "", errors.WithStack(err)
	}
	var sa unix.Sockaddr
	family := unix.AF_INET
	if ip4 := ta.IP.To4(); ta.IP == nil || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: ta.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: ta.Port}
		copy(sa6.Addr[:], ta.IP.To16())
		sa = sa6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, "", errors.Wrap(err, "socket")
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err == nil {
		if err = unix.Bind(fd, sa); err == nil {
			err = unix.Listen(fd, unix.SOMAXCONN)
		}
	}
	if err != nil {
		_ = unix.Close(fd)
		return -1, "", errors.Wrapf(err, "listen %s", address)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, "", errors.Wrap(err, "getsockname")
	}
	return fd, sockaddrString(bound), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return ""
}

func (l *epollLoop) serve() error {
	l.mu.Lock()
	if l.ran {
		l.mu.Unlock()
		return errors.New("event loop already served")
	}
	select {
	case <-l.srv.getDoneChan():
		l.mu.Unlock()
		return errors.WithStack(serverClosedError{})
	default:
	}
	l.ran = true
	l.mu.Unlock()
	if err := l.p.run(); err != nil {
		return err
	}
	return errors.WithStack(serverClosedError{})
}

// close stops accepting and shuts every connection down. The done channel
// must be closed first so a concurrent serve either runs the loop or
// returns without it.
func (l *epollLoop) close() error {
	shutdown := func() {
		l.p.remove(l.lfd)
		_ = unix.Close(l.lfd)
		l.mu.Lock()
		conns := make([]*fdConn, 0, len(l.conns))
		for c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()
		for _, c := range conns {
			c.shutdown(errors.WithStack(serverClosedError{}))
		}
	}
	l.mu.Lock()
	running, shut := l.ran, l.shut
	l.shut = true
	l.mu.Unlock()
	if shut {
		return nil
	}
	if running {
		l.p.post(shutdown)
	} else {
		shutdown()
	}
	l.p.close(running)
	return nil
}

func (l *epollLoop) onAccept(uint32) {
	for {
		fd, sa, err := unix.Accept4(l.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			if err != unix.EAGAIN {
				l.srv.recordServeError(err)
			}
			return
		}
		if !l.srv.allowAccept() {
			_ = unix.Close(fd)
			continue
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := &fdConn{
			l:        l,
			fd:       fd,
			remote:   sockaddrString(sa),
			in:       make([]byte, 0, l.srv.Pipeline.conf.MaxHeadBytes),
			writable: true,
		}
		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.mu.Unlock()
		atomic.AddInt32(&l.srv.conns, 1)
		if err := l.p.add(fd, pollEvents, c.onEvents); err != nil {
			l.srv.recordServeError(err)
			c.close()
			continue
		}
		c.waitForHead()
	}
}

// fdConn is one accepted connection. Exchanges on it run one after another.
type fdConn struct {
	l        *epollLoop
	fd       int
	remote   string
	mu       sync.Mutex // Guards fields below
	in       []byte     // bytes read but not consumed
	out      []byte     // bytes queued for writing
	readable bool
	writable bool
	werr     error
	closed   bool
	closing  bool // close once out is written
	readFn   func()
	writeFn  func()
	t        *fdTransport
	e        *Exchange
	idle     *idleDeadline
}

func (c *fdConn) pipeline() *Pipeline {
	return c.l.srv.Pipeline
}

// onEvents runs on the loop goroutine.
func (c *fdConn) onEvents(ev uint32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.readable = true
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.writable = true
		c.flushLocked()
	}
	hup := ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0
	rdhup := ev&unix.EPOLLRDHUP != 0
	if hup && c.werr == nil {
		c.werr = errors.WithStack(&AdapterIOError{Op: "peer", Err: unix.ECONNRESET})
	}
	t, e := c.t, c.e
	readFn, writeFn := c.readFn, c.writeFn
	canWrite := c.werr != nil || len(c.out) < c.pipeline().conf.WriteBufferHighWaterMark
	closeNow := c.closing && len(c.out) == 0
	c.mu.Unlock()

	if closeNow || (t == nil && hup) {
		c.close()
		return
	}
	if t == nil {
		c.readHead()
		if rdhup {
			c.peerClosed()
		}
		return
	}
	if readFn != nil && ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		readFn()
	}
	if writeFn != nil && canWrite {
		writeFn()
	}
	if hup && e != nil {
		e.fail(errors.WithStack(&AdapterIOError{Op: "peer", Err: unix.ECONNRESET}))
	} else if rdhup {
		c.peerClosed()
	}
}

// peerClosed fails the running exchange if the peer shut down its side after
// sending the whole request and nothing is pipelined behind it. A body that
// is still unread is left to the body reader, which sees the early EOF.
func (c *fdConn) peerClosed() {
	c.mu.Lock()
	t, e := c.t, c.e
	if c.closed || t == nil || e == nil || t.remaining > 0 || len(c.in) > 0 {
		c.mu.Unlock()
		return
	}
	var b [1]byte
	n, _, err := unix.Recvfrom(c.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	c.mu.Unlock()
	if err != nil || n > 0 {
		return
	}
	e.fail(errors.WithStack(&AdapterIOError{Op: "peer", Err: io.EOF}))
}

// flushLocked writes as much of out as the socket takes.
func (c *fdConn) flushLocked() {
	for len(c.out) > 0 && c.writable && !c.closed && c.werr == nil {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				c.writable = false
				return
			}
			c.werr = errors.WithStack(&AdapterIOError{Op: "write", Err: err})
			return
		}
		c.l.srv.AddBytesWritten(int64(n))
		c.out = c.out[:copy(c.out, c.out[n:])]
	}
}

// waitForHead arms the keep-alive deadline and reads the next request head.
func (c *fdConn) waitForHead() {
	c.mu.Lock()
	c.idle = newIdleDeadline(c.pipeline().conf.IdleTimeout, func(time.Duration) {
		c.l.p.post(c.closeIfIdle)
	})
	idle := c.idle
	c.mu.Unlock()
	idle.start()
	c.readHead()
}

func (c *fdConn) closeIfIdle() {
	c.mu.Lock()
	idle := c.t == nil && !c.closed
	c.mu.Unlock()
	if idle {
		c.close()
	}
}

// readHead reads until the buffered bytes hold a request head, and starts
// an exchange for it. It runs on the loop goroutine.
func (c *fdConn) readHead() {
	maxHead := c.pipeline().conf.MaxHeadBytes
	for {
		c.mu.Lock()
		if c.closed || c.closing || c.t != nil {
			c.mu.Unlock()
			return
		}
		if end := findHeadEnd(c.in); end >= 0 {
			c.mu.Unlock()
			c.startExchange(end)
			return
		}
		if len(c.in) >= maxHead {
			c.mu.Unlock()
			c.reject(http.StatusRequestHeaderFieldsTooLarge)
			return
		}
		if !c.readable {
			c.mu.Unlock()
			return
		}
		if cap(c.in) < maxHead {
			in := make([]byte, len(c.in), maxHead)
			copy(in, c.in)
			c.in = in
		}
		n, err := unix.Read(c.fd, c.in[len(c.in):maxHead])
		switch {
		case err == unix.EINTR:
			c.mu.Unlock()
			continue
		case err == unix.EAGAIN:
			c.readable = false
			c.mu.Unlock()
			return
		case err != nil || n == 0:
			c.mu.Unlock()
			if err != nil {
				c.l.srv.recordServeError(err)
			}
			c.close()
			return
		}
		c.in = c.in[:len(c.in)+n]
		idle := c.idle
		c.mu.Unlock()
		c.l.srv.AddBytesRead(int64(n))
		if idle != nil {
			idle.touch()
		}
	}
}

// reject answers a request that never became an exchange and closes.
func (c *fdConn) reject(status int) {
	p := c.pipeline()
	p.metrics.rejected(strconv.Itoa(status))
	if p.netLog {
		p.log.Debug("request rejected", "remote", c.remote, "status", status)
	}
	c.mu.Lock()
	if c.idle != nil {
		c.idle.stop()
	}
	c.in = c.in[:0]
	c.out = append(c.out, simpleResponse(status)...)
	c.closing = true
	c.flushLocked()
	done := len(c.out) == 0 || c.werr != nil
	c.mu.Unlock()
	if done {
		c.close()
	}
}

func (c *fdConn) startExchange(end int) {
	head, err := parseHead(c.in[:end], c.remote)
	if err != nil {
		c.pipeline().log.Debug("bad request head", "remote", c.remote, "err", err)
		c.reject(StatusCode(err))
		return
	}
	t := &fdTransport{c: c, head: head, remaining: head.ContentLength}
	c.mu.Lock()
	c.in = c.in[:copy(c.in, c.in[end:])]
	c.t = t
	if c.idle != nil {
		c.idle.stop()
		c.idle = nil
	}
	c.mu.Unlock()
	e, err := c.pipeline().Serve(head, t, c.exchangeDone)
	if err != nil {
		c.mu.Lock()
		c.t = nil
		c.mu.Unlock()
		c.reject(http.StatusServiceUnavailable)
		return
	}
	c.mu.Lock()
	if c.t == t {
		c.e = e
	}
	c.mu.Unlock()
}

// exchangeDone may run on any goroutine.
func (c *fdConn) exchangeDone(e *Exchange) {
	c.l.p.post(func() { c.afterExchange(e) })
}

func (c *fdConn) afterExchange(e *Exchange) {
	c.mu.Lock()
	t := c.t
	c.t, c.e = nil, nil
	c.readFn, c.writeFn = nil, nil
	keep := t != nil && e.KeepAlive() && !t.closeAfter && !t.aborted && !c.closed && c.werr == nil
	c.mu.Unlock()
	if !keep {
		c.closeWhenFlushed()
		return
	}
	c.waitForHead()
}

// closeWhenFlushed closes the connection once the queued output is written.
func (c *fdConn) closeWhenFlushed() {
	c.mu.Lock()
	if !c.closed && c.werr == nil && len(c.out) > 0 {
		c.closing = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.close()
}

// shutdown fails the running exchange, if any, and closes the connection.
func (c *fdConn) shutdown(err error) {
	c.mu.Lock()
	e := c.e
	c.mu.Unlock()
	if e != nil {
		e.fail(err)
	}
	c.close()
}

func (c *fdConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readFn, c.writeFn = nil, nil
	if c.werr == nil {
		c.werr = errors.WithStack(&AdapterIOError{Op: "write", Err: unix.EPIPE})
	}
	idle := c.idle
	c.l.p.remove(c.fd)
	_ = unix.Close(c.fd)
	c.mu.Unlock()
	if idle != nil {
		idle.stop()
	}
	c.l.mu.Lock()
	delete(c.l.conns, c)
	c.l.mu.Unlock()
	atomic.AddInt32(&c.l.srv.conns, -1)
}
