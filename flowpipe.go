package flowpipe

import "time"

const (
	// MaxReentrancyDepth is how many times a producer hook may be resumed back to back
	// on the calling goroutine before the remaining work is handed to a fresh goroutine.
	MaxReentrancyDepth = 256
	// DefaultReadChunkSize is the size of pooled chunk buffers.
	DefaultReadChunkSize = 16 * 1024
	// DefaultChannelCapacity is how many items a Channel accepts ahead of demand.
	DefaultChannelCapacity = 16
	// DefaultWriteBufferHighWaterMark is the outbound byte count at which a transport
	// stops accepting chunks until it has written some of them.
	DefaultWriteBufferHighWaterMark = 64 * 1024
	// DefaultIdleTimeout is how long an exchange may go without I/O readiness or demand.
	DefaultIdleTimeout = time.Second * 30
	// DefaultMaxBufferedBytes bounds the partial unit a decoder will accumulate.
	DefaultMaxBufferedBytes = 1024 * 1024
	// DefaultMaxHeadBytes bounds the size of a request head on the event loop adapter.
	DefaultMaxHeadBytes = 16 * 1024
	// DefaultMaxIdleChunks is how many released chunks a ChunkPool keeps for reuse.
	DefaultMaxIdleChunks = 1024
	// DefaultWorkers is the default WorkerPool size.
	DefaultWorkers = 64
	// DefaultWorkerQueue is the default number of queued blocking tasks.
	DefaultWorkerQueue = 1024
)

var (
	// StrictProtocol makes demand and protocol violations panic instead of
	// failing the stream. The race detector build turns it on.
	StrictProtocol = false
)
