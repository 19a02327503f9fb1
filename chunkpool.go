package flowpipe

import "sync/atomic"

// ChunkPool provides fixed size chunk buffers. Released chunks are kept for
// reuse up to a limit, after which they are left to the garbage collector.
type ChunkPool struct {
	size   int
	free   chan *Chunk
	hits   uint64
	misses uint64
}

// NewChunkPool returns a pool of chunkSize byte buffers keeping at most maxIdle released chunks.
func NewChunkPool(chunkSize, maxIdle int) *ChunkPool {
	if chunkSize < 1 {
		chunkSize = DefaultReadChunkSize
	}
	if maxIdle < 0 {
		maxIdle = 0
	}
	return &ChunkPool{
		size: chunkSize,
		free: make(chan *Chunk, maxIdle),
	}
}

// Acquire returns an empty chunk with ChunkSize bytes of capacity.
func (p *ChunkPool) Acquire() *Chunk {
	select {
	case c := <-p.free:
		atomic.AddUint64(&p.hits, 1)
		atomic.StoreInt32(&c.refs, 1)
		c.data = c.buf[:0]
		return c
	default:
		atomic.AddUint64(&p.misses, 1)
		buf := make([]byte, p.size)
		return &Chunk{data: buf[:0], buf: buf, pool: p, refs: 1}
	}
}

// AcquireCopy returns a chunk holding a copy of p, which must not exceed ChunkSize bytes.
func (p *ChunkPool) AcquireCopy(b []byte) *Chunk {
	c := p.Acquire()
	return c.fill(copy(c.buf, b))
}

// ChunkSize returns the buffer size of chunks from this pool.
func (p *ChunkPool) ChunkSize() int {
	return p.size
}

// Idle returns the number of released chunks waiting for reuse.
func (p *ChunkPool) Idle() int {
	return len(p.free)
}

// Stats returns the number of acquisitions served from the free list and by allocation.
func (p *ChunkPool) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&p.hits), atomic.LoadUint64(&p.misses)
}

func (p *ChunkPool) put(c *Chunk) {
	c.data = nil
	select {
	case p.free <- c:
	default:
	}
}
