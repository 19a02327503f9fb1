//go:build linux

package flowpipe

import (
	"io"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fdTransport is the Transport of one exchange on an fdConn. It shares the
// connection's lock, buffers and readiness latches.
type fdTransport struct {
	c           *fdConn
	head        RequestHead
	remaining   int64 // request body bytes not yet read
	headWritten bool
	framing     bodyFraming
	closeAfter  bool
	finished    bool
	aborted     bool
}

// ReadChunk implements Transport. It never reads past the request body, so
// pipelined requests stay on the socket or in the connection buffer.
func (t *fdTransport) ReadChunk(p []byte) (int, error) {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.remaining <= 0 {
		return 0, io.EOF
	}
	if t.aborted || c.closed {
		return 0, io.ErrClosedPipe
	}
	if int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	if len(c.in) > 0 {
		n := copy(p, c.in)
		c.in = c.in[:copy(c.in, c.in[n:])]
		t.remaining -= int64(n)
		return n, nil
	}
	for c.readable {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			c.readable = false
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.ErrUnexpectedEOF
		default:
			t.remaining -= int64(n)
			c.l.srv.AddBytesRead(int64(n))
			return n, nil
		}
	}
	return 0, errors.WithStack(ErrWouldBlock{})
}

// WriteHead implements Transport.
func (t *fdTransport) WriteHead(status int, header http.Header) error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.werr != nil {
		return c.werr
	}
	if t.headWritten {
		return violation("response head written twice")
	}
	t.headWritten = true
	t.framing, t.closeAfter = responseFraming(t.head, status, header)
	c.out = appendResponseHead(c.out, status, header, t.framing, t.closeAfter)
	c.flushLocked()
	return nil
}

// WriteChunk implements Transport. The chunk is copied into the outbound
// buffer and released at once.
func (t *fdTransport) WriteChunk(ch *Chunk) error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.werr != nil {
		return c.werr
	}
	if !t.headWritten || t.finished {
		return violation("chunk written outside the response body")
	}
	if len(c.out) >= c.pipeline().conf.WriteBufferHighWaterMark {
		return errors.WithStack(ErrWouldBlock{})
	}
	switch t.framing {
	case framingChunked:
		c.out = appendChunkFrame(c.out, ch.Bytes())
	case framingIdentity, framingClose:
		c.out = append(c.out, ch.Bytes()...)
	}
	_ = ch.Release()
	c.flushLocked()
	return nil
}

// Finish implements Transport.
func (t *fdTransport) Finish() error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.werr != nil {
		return c.werr
	}
	if !t.headWritten {
		return violation("response finished before its head")
	}
	if !t.finished {
		t.finished = true
		if t.framing == framingChunked {
			c.out = append(c.out, lastChunk...)
		}
		c.flushLocked()
	}
	return nil
}

// Flush implements Transport.
func (t *fdTransport) Flush() error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	if c.werr != nil {
		return c.werr
	}
	if len(c.out) == 0 {
		return nil
	}
	return errors.WithStack(ErrWouldBlock{})
}

// RegisterReadiness implements Transport.
func (t *fdTransport) RegisterReadiness(dir Direction, fn func()) {
	c := t.c
	c.mu.Lock()
	var ready bool
	if dir == DirRead {
		c.readFn = fn
		ready = c.closed || c.readable || (len(c.in) > 0 && t.remaining > 0)
	} else {
		c.writeFn = fn
		ready = c.werr != nil || len(c.out) < c.pipeline().conf.WriteBufferHighWaterMark
	}
	c.mu.Unlock()
	if ready {
		fn()
	}
}

// DeregisterReadiness implements Transport.
func (t *fdTransport) DeregisterReadiness(dir Direction) {
	c := t.c
	c.mu.Lock()
	if dir == DirRead {
		c.readFn = nil
	} else {
		c.writeFn = nil
	}
	c.mu.Unlock()
}

// HeadWritten implements Transport.
func (t *fdTransport) HeadWritten() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.headWritten
}

// Abort implements Transport.
func (t *fdTransport) Abort(err error) {
	t.c.mu.Lock()
	t.aborted = true
	t.c.mu.Unlock()
	if p := t.c.pipeline(); p.netLog {
		p.log.Debug("connection aborted", "remote", t.c.remote, "err", err)
	}
	t.c.close()
}

// Close implements Transport. The connection outlives the exchange.
func (t *fdTransport) Close() error {
	return nil
}
