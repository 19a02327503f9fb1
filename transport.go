package flowpipe

import (
	"net/http"
)

// Direction selects the read or write side of a Transport.
type Direction int

const (
	// DirRead is readiness to read request body bytes.
	DirRead Direction = iota
	// DirWrite is readiness to accept response bytes.
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// Transport is the non-blocking I/O surface a runtime adapter gives one exchange.
//
// No method blocks. Calls that cannot make progress return ErrWouldBlock, and
// the caller registers a readiness callback to learn when to retry.
// Callbacks may run on the runtime's I/O goroutine and must not block.
type Transport interface {
	// ReadChunk copies request body bytes into p. It returns io.EOF at the end
	// of the body and ErrWouldBlock if no bytes are available yet.
	ReadChunk(p []byte) (int, error)
	// WriteHead queues the response status line and headers.
	WriteHead(status int, header http.Header) error
	// WriteChunk queues c for writing. On success the transport owns c and
	// releases it once written. It returns ErrWouldBlock while the outbound
	// buffer is at or above its high-water mark, in which case the caller
	// keeps ownership of c.
	WriteChunk(c *Chunk) error
	// Finish queues the end of the response body.
	Finish() error
	// Flush returns nil once everything queued has been written, and
	// ErrWouldBlock until then.
	Flush() error
	// RegisterReadiness arranges for fn to be called when the direction is
	// ready. If it is ready already, fn is called before RegisterReadiness returns.
	RegisterReadiness(dir Direction, fn func())
	// DeregisterReadiness cancels a registration.
	DeregisterReadiness(dir Direction)
	// HeadWritten reports whether a response head has been queued.
	HeadWritten() bool
	// Abort closes the connection without completing the response.
	Abort(err error)
	// Close releases the transport's resources after the exchange ended.
	Close() error
}

// StatsCollector is the interface required to collect statistics.
type StatsCollector interface {
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
}

type nopStats struct{}

func (nopStats) AddBytesRead(int64)    {}
func (nopStats) AddBytesWritten(int64) {}
