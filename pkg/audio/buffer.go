package audio

import (
	"log/slog"
	"sync"
)

// ChunkBuffer accumulates arbitrarily sized device callbacks into fixed-size
// blocks.
type ChunkBuffer struct {
	chunkSize int
	buffer    []float32
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a buffer that emits blocks of chunkSize samples.
func NewChunkBuffer(chunkSize int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultBlockSize
	}

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]float32, 0, chunkSize),
		logger:    logger,
	}
}

// NewChunkBufferForDuration sizes blocks to chunkDurationMs at sampleRate.
// 20ms at 48kHz gives 960 samples, the Opus frame size used for peer tracks.
func NewChunkBufferForDuration(sampleRate, chunkDurationMs int, logger *slog.Logger) *ChunkBuffer {
	return NewChunkBuffer((sampleRate*chunkDurationMs)/1000, logger)
}

// Size returns the block size in samples.
func (cb *ChunkBuffer) Size() int {
	return cb.chunkSize
}

// Add appends samples and returns every complete block.
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Flush returns remaining samples as a partial block.
func (cb *ChunkBuffer) Flush() []float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []float32{}
	}

	chunk := make([]float32, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}

// Reset drops any partial block.
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n := len(cb.buffer); n > 0 {
		cb.logger.Debug("dropping partial block", "samples", n, "chunkSize", cb.chunkSize)
	}
	cb.buffer = cb.buffer[:0]
}
