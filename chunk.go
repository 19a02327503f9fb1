package flowpipe

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Chunk is an immutable run of body bytes.
//
// A Chunk has a single owner at a time. Emitting it through a Channel moves
// ownership to the consumer, and the final owner calls Release exactly once.
type Chunk struct {
	data []byte
	buf  []byte
	pool *ChunkPool
	refs int32
}

// NewChunk returns an unpooled Chunk wrapping p. The caller must not modify p afterwards.
func NewChunk(p []byte) *Chunk {
	return &Chunk{data: p, refs: 1}
}

// Bytes returns the chunk contents. The slice is only valid until Release.
func (c *Chunk) Bytes() []byte {
	return c.data
}

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.data)
}

func (c *Chunk) String() string {
	if c == nil {
		return "[Chunk nil]"
	}
	if len(c.data) > 16 {
		return fmt.Sprintf("[Chunk %d %q...]", len(c.data), c.data[:16])
	}
	return fmt.Sprintf("[Chunk %d %q]", len(c.data), c.data)
}

// Release returns the chunk's buffer to its pool, if it has one.
// Releasing a chunk twice is a protocol violation.
func (c *Chunk) Release() error {
	if c == nil {
		return nil
	}
	if refs := atomic.AddInt32(&c.refs, -1); refs != 0 {
		return reportViolation(errors.WithStack(ProtocolViolationError{Reason: "chunk released twice"}))
	}
	if c.pool != nil {
		c.pool.put(c)
	}
	return nil
}

// fill marks the first n bytes of the pooled buffer as the chunk contents.
func (c *Chunk) fill(n int) *Chunk {
	c.data = c.buf[:n]
	return c
}

// releaseChunk releases chunks dropped by a cancelled or failed Channel.
func releaseChunk(c *Chunk) {
	_ = c.Release()
}
