package audio

import (
	"sync"
)

// Accumulator collects the audio chunks of one utterance until flushed.
type Accumulator struct {
	mu         sync.Mutex
	chunks     [][]byte
	totalSize  int
	maxSize    int
	sampleRate int
	channels   int
	truncated  bool
}

// NewAccumulator creates an accumulator holding at most maxSize bytes.
// A maxSize of 0 disables the limit.
func NewAccumulator(maxSize int) *Accumulator {
	return &Accumulator{maxSize: maxSize}
}

// Start clears the accumulator and records the format of what follows.
func (a *Accumulator) Start(sampleRate, channels int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks = nil
	a.totalSize = 0
	a.truncated = false
	a.sampleRate = sampleRate
	a.channels = channels
}

// Append adds a chunk. It returns ErrBufferFull if the chunk would
// exceed the limit; from then on every chunk is refused until the next
// Start, so the buffered audio stays contiguous. The accumulator keeps
// chunk; callers must not reuse it.
func (a *Accumulator) Append(chunk []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.truncated {
		return ErrBufferFull
	}
	newSize := a.totalSize + len(chunk)
	if a.maxSize > 0 && newSize > a.maxSize {
		a.truncated = true
		return ErrBufferFull
	}
	a.chunks = append(a.chunks, chunk)
	a.totalSize = newSize
	return nil
}

// Flush concatenates the chunks in arrival order and clears the
// accumulator. It returns nil when nothing was buffered.
func (a *Accumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, a.totalSize)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	a.chunks = nil
	a.totalSize = 0
	return out
}

// Clear drops buffered chunks and keeps the format.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks = nil
	a.totalSize = 0
	a.truncated = false
}

// Truncated reports whether a chunk was refused since the last Start.
func (a *Accumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}

// Format returns the recorded sample rate and channel count.
func (a *Accumulator) Format() (sampleRate, channels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleRate, a.channels
}

// Size returns the buffered byte count.
func (a *Accumulator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalSize
}

// ChunkCount returns the number of buffered chunks.
func (a *Accumulator) ChunkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}
