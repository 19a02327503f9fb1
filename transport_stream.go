package flowpipe

import (
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// streamSink is the blocking response side of a container runtime.
type streamSink interface {
	WriteHead(status int, header http.Header) error
	Write(p []byte) error
	Flush() error
	// Finish ends the response body.
	Finish() error
	// Abort breaks the connection, unblocking a Write in progress if it can.
	Abort()
}

type streamOp int

const (
	opHead streamOp = iota
	opChunk
	opFinish
)

type streamItem struct {
	op     streamOp
	status int
	header http.Header
	chunk  *Chunk
}

// streamTransport adapts a blocking body reader and a blocking sink to the
// Transport contract. One goroutine reads the body, never more than one
// buffer ahead and only after ReadChunk found nothing; another drains the
// outbound queue into the sink.
type streamTransport struct {
	body      io.Reader
	sink      streamSink
	chunkSize int
	hwm       int
	mu        sync.Mutex
	cond      *sync.Cond
	// read side
	inbuf     []byte
	inpos     int
	rerr      error
	wantRead  bool
	reading   bool
	readFn    func()
	readerOff bool
	// write side
	queue       []streamItem
	queued      int
	inflight    int
	headWritten bool
	headStatus  int
	headHeader  http.Header
	headCh      chan struct{}
	finished    bool
	flushed     bool
	werr        error
	writeFn     func()
	closed      bool
	writerDone  chan struct{}
	writerStart sync.Once
}

func newStreamTransport(body io.Reader, sink streamSink, chunkSize, hwm int) *streamTransport {
	if chunkSize < 1 {
		chunkSize = DefaultReadChunkSize
	}
	if hwm < 1 {
		hwm = DefaultWriteBufferHighWaterMark
	}
	t := &streamTransport{
		body:       body,
		sink:       sink,
		chunkSize:  chunkSize,
		hwm:        hwm,
		headCh:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	if body == nil {
		t.rerr = io.EOF
	}
	return t
}

// ReadChunk implements Transport.
func (t *streamTransport) ReadChunk(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inpos < len(t.inbuf) {
		n := copy(p, t.inbuf[t.inpos:])
		t.inpos += n
		return n, nil
	}
	if t.rerr != nil {
		return 0, t.rerr
	}
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	t.wantRead = true
	if !t.reading {
		t.reading = true
		go t.readLoop()
	} else {
		t.cond.Broadcast()
	}
	return 0, errors.WithStack(ErrWouldBlock{})
}

func (t *streamTransport) readLoop() {
	buf := make([]byte, t.chunkSize)
	for {
		t.mu.Lock()
		for !t.wantRead && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.readerOff = true
			t.mu.Unlock()
			return
		}
		t.wantRead = false
		t.mu.Unlock()

		n, err := t.body.Read(buf)

		t.mu.Lock()
		if n > 0 {
			t.inbuf, t.inpos = buf[:n], 0
			buf = make([]byte, t.chunkSize)
		}
		if err != nil {
			t.rerr = err
		} else if n == 0 {
			t.wantRead = true
		}
		fn := t.readFn
		t.mu.Unlock()
		if fn != nil && (n > 0 || err != nil) {
			fn()
		}
		if err != nil {
			t.mu.Lock()
			t.readerOff = true
			t.mu.Unlock()
			return
		}
	}
}

// WriteHead implements Transport.
func (t *streamTransport) WriteHead(status int, header http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.werr != nil {
		return t.werr
	}
	if t.headWritten {
		return violation("response head written twice")
	}
	t.headWritten = true
	t.headStatus, t.headHeader = status, header.Clone()
	t.queue = append(t.queue, streamItem{op: opHead, status: status, header: t.headHeader})
	close(t.headCh)
	t.cond.Broadcast()
	return nil
}

// WriteChunk implements Transport.
func (t *streamTransport) WriteChunk(c *Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.werr != nil {
		return t.werr
	}
	if !t.headWritten || t.finished {
		return violation("chunk written outside the response body")
	}
	if t.queued >= t.hwm {
		return errors.WithStack(ErrWouldBlock{})
	}
	t.queue = append(t.queue, streamItem{op: opChunk, chunk: c})
	t.queued += c.Len()
	t.cond.Broadcast()
	return nil
}

// Finish implements Transport.
func (t *streamTransport) Finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.werr != nil {
		return t.werr
	}
	if !t.headWritten {
		return violation("response finished before its head")
	}
	if !t.finished {
		t.finished = true
		t.queue = append(t.queue, streamItem{op: opFinish})
		t.cond.Broadcast()
	}
	return nil
}

// Flush implements Transport.
func (t *streamTransport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.werr != nil {
		return t.werr
	}
	if len(t.queue) == 0 && t.inflight == 0 && (!t.finished || t.flushed) {
		return nil
	}
	return errors.WithStack(ErrWouldBlock{})
}

// writable must be called with mu held.
func (t *streamTransport) writable() bool {
	return t.werr != nil || t.queued < t.hwm || (len(t.queue) == 0 && t.inflight == 0)
}

// RegisterReadiness implements Transport.
func (t *streamTransport) RegisterReadiness(dir Direction, fn func()) {
	t.mu.Lock()
	var ready bool
	if dir == DirRead {
		t.readFn = fn
		ready = t.inpos < len(t.inbuf) || t.rerr != nil || t.closed
	} else {
		t.writeFn = fn
		ready = t.writable()
	}
	t.mu.Unlock()
	if ready {
		fn()
	}
}

// DeregisterReadiness implements Transport.
func (t *streamTransport) DeregisterReadiness(dir Direction) {
	t.mu.Lock()
	if dir == DirRead {
		t.readFn = nil
	} else {
		t.writeFn = nil
	}
	t.mu.Unlock()
}

// HeadWritten implements Transport.
func (t *streamTransport) HeadWritten() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headWritten
}

// Abort implements Transport.
func (t *streamTransport) Abort(err error) {
	if err == nil {
		err = errors.WithStack(ErrCancelled{})
	}
	t.mu.Lock()
	if t.werr == nil {
		t.werr = err
	}
	t.closed = true
	t.releaseQueueLocked()
	t.cond.Broadcast()
	t.mu.Unlock()
	t.sink.Abort()
}

// Close implements Transport.
func (t *streamTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.releaseQueueLocked()
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

func (t *streamTransport) releaseQueueLocked() {
	for _, item := range t.queue {
		if item.chunk != nil {
			_ = item.chunk.Release()
		}
	}
	t.queue = nil
	t.queued = 0
}

// startWriter runs the writer loop on its own goroutine.
func (t *streamTransport) startWriter() {
	t.writerStart.Do(func() { go t.runWriter() })
}

// runWriter drains the outbound queue into the sink until the response is
// finished or the transport is closed.
func (t *streamTransport) runWriter() {
	defer close(t.writerDone)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		item := t.queue[0]
		t.queue = t.queue[1:]
		t.inflight++
		more := len(t.queue) > 0
		t.mu.Unlock()

		var err error
		switch item.op {
		case opHead:
			err = t.sink.WriteHead(item.status, item.header)
		case opChunk:
			err = t.sink.Write(item.chunk.Bytes())
			if err == nil && !more {
				err = t.sink.Flush()
			}
		case opFinish:
			if err = t.sink.Finish(); err == nil {
				err = t.sink.Flush()
			}
		}

		t.mu.Lock()
		t.inflight--
		if item.chunk != nil {
			t.queued -= item.chunk.Len()
			_ = item.chunk.Release()
		}
		if err != nil && t.werr == nil {
			t.werr = errors.WithStack(&AdapterIOError{Op: "write", Err: err})
		}
		stop := err != nil || item.op == opFinish
		if item.op == opFinish && err == nil {
			t.flushed = true
		}
		fn := t.writeFn
		if stop {
			t.releaseQueueLocked()
		}
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
		if stop {
			return
		}
	}
}

// waitWriter waits for the writer loop to return.
func (t *streamTransport) waitWriter() {
	<-t.writerDone
}

// head returns the response head once WriteHead has been called.
func (t *streamTransport) head() (int, http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headStatus, t.headHeader
}

// peerGone fails pending reads and writes with err and wakes their callbacks.
func (t *streamTransport) peerGone(err error) {
	t.mu.Lock()
	if t.rerr == nil {
		t.rerr = err
	}
	if t.werr == nil {
		t.werr = err
	}
	t.closed = true
	t.releaseQueueLocked()
	t.cond.Broadcast()
	readFn, writeFn := t.readFn, t.writeFn
	t.mu.Unlock()
	if readFn != nil {
		readFn()
	}
	if writeFn != nil {
		writeFn()
	}
}
