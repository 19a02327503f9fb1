package flowpipe

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// EventLoopServer serves a Pipeline from a single epoll event loop. Sockets
// are non-blocking; request bodies are read and responses written only when
// the pipeline asks for them and the socket is ready.
type EventLoopServer struct {
	Addr         string    // TCP address to listen on, ":8080" if empty
	Pipeline     *Pipeline // Pipeline to serve
	MaxConns     int       // maximum number of open connections, unlimited if zero
	AcceptRate   float64   // accepted connections per second, unlimited if zero
	AcceptBurst  int       // accept burst above AcceptRate
	bytesRead    int64
	bytesWritten int64
	conns        int32
	mu           sync.Mutex // Guards fields below
	limiter      *rate.Limiter
	doneChan     chan struct{}
	serveErrors  map[string]int
	loop         eventLoop
}

// eventLoop is the platform part of an EventLoopServer.
type eventLoop interface {
	serve() error
	close() error
}

// DefaultListenAddr returns the default address:port to listen on.
func (srv *EventLoopServer) DefaultListenAddr() string {
	return ":8080"
}

func (srv *EventLoopServer) getListenAddr(addr string) string {
	if addr == "" {
		return srv.DefaultListenAddr()
	}
	return addr
}

// ListenAndServe listens on srv.Addr and serves until Close is called.
func (srv *EventLoopServer) ListenAndServe() error {
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve()
}

// Listen binds the listening socket and sets srv.Addr to its address.
func (srv *EventLoopServer) Listen() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.loop != nil {
		return nil
	}
	loop, err := newEventLoop(srv)
	if err != nil {
		return err
	}
	srv.loop = loop
	return nil
}

// Serve runs the event loop on the calling goroutine until Close is called.
func (srv *EventLoopServer) Serve() error {
	srv.mu.Lock()
	loop := srv.loop
	srv.mu.Unlock()
	if loop == nil {
		if err := srv.Listen(); err != nil {
			return err
		}
		srv.mu.Lock()
		loop = srv.loop
		srv.mu.Unlock()
	}
	return loop.serve()
}

// Close closes the listener and every connection.
func (srv *EventLoopServer) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	loop := srv.loop
	srv.mu.Unlock()
	if loop != nil {
		return loop.close()
	}
	return nil
}

func (srv *EventLoopServer) allowAccept() bool {
	srv.mu.Lock()
	if srv.limiter == nil && srv.AcceptRate > 0 {
		burst := srv.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		srv.limiter = rate.NewLimiter(rate.Limit(srv.AcceptRate), burst)
	}
	limiter := srv.limiter
	srv.mu.Unlock()
	if limiter != nil && !limiter.Allow() {
		srv.Pipeline.metrics.rejected("accept_rate")
		return false
	}
	if srv.MaxConns > 0 && int(atomic.LoadInt32(&srv.conns)) >= srv.MaxConns {
		srv.Pipeline.metrics.rejected("max_conns")
		return false
	}
	return true
}

func (srv *EventLoopServer) recordServeError(err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.serveErrors == nil {
		srv.serveErrors = make(map[string]int)
	}
	srv.serveErrors[err.Error()]++
}

// ServeErrors returns a copy of the count of connection errors by message.
func (srv *EventLoopServer) ServeErrors() map[string]int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

func (srv *EventLoopServer) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *EventLoopServer) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *EventLoopServer) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// ActiveConns returns the number of open connections.
func (srv *EventLoopServer) ActiveConns() int {
	return int(atomic.LoadInt32(&srv.conns))
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *EventLoopServer) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the number of bytes written to connections, heads included.
func (srv *EventLoopServer) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *EventLoopServer) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the number of bytes read from connections, heads included.
func (srv *EventLoopServer) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}
