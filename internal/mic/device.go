package mic

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Device is an audio input. Start acquires the device and delivers
// encoded chunks to emit every interval until Stop. Stop releases the
// device and returns once no more chunks will be emitted.
type Device interface {
	Start(ctx context.Context, interval time.Duration, emit func([]byte)) error
	Stop()
}

// UnsupportedDevice stands in on hosts without audio input.
type UnsupportedDevice struct{}

func (UnsupportedDevice) Start(context.Context, time.Duration, func([]byte)) error {
	return ErrMicUnsupported
}

func (UnsupportedDevice) Stop() {}

// FileDevice replays a recorded utterance as if it were captured live.
// The file bytes are split into chunks of ChunkBytes, one per interval.
type FileDevice struct {
	Path       string
	ChunkBytes int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileDevice creates a device replaying path. 3200 byte chunks match
// 100 ms of 16 kHz mono 16-bit audio.
func NewFileDevice(path string) *FileDevice {
	return &FileDevice{Path: path, ChunkBytes: 3200}
}

func (d *FileDevice) Start(ctx context.Context, interval time.Duration, emit func([]byte)) error {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMicUnavailable, err)
	}
	size := d.ChunkBytes
	if size <= 0 {
		size = len(data)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel, d.done = cancel, done
	d.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for off := 0; off < len(data); {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				end := min(off+size, len(data))
				emit(data[off:end:end])
				off = end
			}
		}
		<-ctx.Done()
	}()
	return nil
}

func (d *FileDevice) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
