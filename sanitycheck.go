//go:build race

package flowpipe

// sanity check the configuration
func init() {
	if MaxReentrancyDepth < 1 {
		panic("MaxReentrancyDepth < 1")
	}
	if DefaultReadChunkSize < 64 {
		panic("DefaultReadChunkSize < 64")
	}
	if DefaultChannelCapacity < 1 {
		panic("DefaultChannelCapacity < 1")
	}
	if DefaultWriteBufferHighWaterMark < DefaultReadChunkSize {
		panic("DefaultWriteBufferHighWaterMark < DefaultReadChunkSize")
	}
	if DefaultMaxBufferedBytes < DefaultReadChunkSize {
		panic("DefaultMaxBufferedBytes < DefaultReadChunkSize")
	}
	if DefaultMaxHeadBytes < 512 {
		panic("DefaultMaxHeadBytes < 512")
	}
}
