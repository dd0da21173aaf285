package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Output renders decoded speech. Play must not block for the length of
// the buffer.
type Output interface {
	Play(buf *Buffer) error
	Stop()
}

// NullOutput discards audio. Metering still runs against the clock.
type NullOutput struct{}

func (NullOutput) Play(*Buffer) error { return nil }
func (NullOutput) Stop()              {}

// FileOutput writes each played buffer to a numbered 16-bit WAV file.
type FileOutput struct {
	Dir string
	seq atomic.Int64
}

func (o *FileOutput) Play(buf *Buffer) error {
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return err
	}
	name := filepath.Join(o.Dir, fmt.Sprintf("speech-%03d.wav", o.seq.Add(1)))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, buf.SampleRate, 16, buf.Channels, 1)
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: buf.Channels, SampleRate: buf.SampleRate},
		Data:           make([]int, len(buf.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range buf.Samples {
		ib.Data[i] = int(math.Round(float64(clampSample(s)) * 32767))
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}

func (o *FileOutput) Stop() {}

func clampSample(s float32) float32 {
	return max(-1, min(1, s))
}

// RMS returns the root mean square of the window frames ending at end,
// mixed down to mono.
func RMS(buf *Buffer, end, window int) float64 {
	frames := buf.Frames()
	if frames == 0 || window <= 0 {
		return 0
	}
	end = min(max(end, 0), frames)
	start := max(0, end-window)
	if start >= end {
		return 0
	}
	var sum float64
	ch := buf.Channels
	for f := start; f < end; f++ {
		var v float64
		for c := 0; c < ch; c++ {
			v += float64(buf.Samples[f*ch+c])
		}
		v /= float64(ch)
		sum += v * v
	}
	return math.Sqrt(sum / float64(end-start))
}

// Player plays one buffer at a time and reports its level at a fixed
// cadence while playing.
type Player struct {
	mu       sync.Mutex
	out      Output
	window   int
	interval time.Duration

	onStart func(*Buffer)
	onLevel func(rms float64)
	onEnd   func(completed bool)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayer(out Output, cfg Config) *Player {
	if out == nil {
		out = NullOutput{}
	}
	if cfg.MeterWindow <= 0 {
		cfg.MeterWindow = DefaultConfig().MeterWindow
	}
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = DefaultConfig().MeterInterval
	}
	return &Player{out: out, window: cfg.MeterWindow, interval: cfg.MeterInterval}
}

// OnStart registers a callback run when a buffer starts playing.
func (p *Player) OnStart(fn func(*Buffer)) {
	p.mu.Lock()
	p.onStart = fn
	p.mu.Unlock()
}

// OnLevel registers the level callback, run once per meter interval.
func (p *Player) OnLevel(fn func(rms float64)) {
	p.mu.Lock()
	p.onLevel = fn
	p.mu.Unlock()
}

// OnEnd registers a callback run when playback ends or is stopped.
// It runs on the playback goroutine and must not call Stop.
func (p *Player) OnEnd(fn func(completed bool)) {
	p.mu.Lock()
	p.onEnd = fn
	p.mu.Unlock()
}

// Play stops any current playback and starts buf.
func (p *Player) Play(buf *Buffer) error {
	p.Stop()

	if err := p.out.Play(buf); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	onStart, onLevel, onEnd := p.onStart, p.onLevel, p.onEnd
	p.mu.Unlock()

	if onStart != nil {
		onStart(buf)
	}
	go p.run(ctx, buf, done, onLevel, onEnd)
	return nil
}

func (p *Player) run(ctx context.Context, buf *Buffer, done chan struct{}, onLevel func(float64), onEnd func(bool)) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	start := time.Now()
	frames := buf.Frames()
	for {
		select {
		case <-ctx.Done():
			if onEnd != nil {
				onEnd(false)
			}
			return
		case <-ticker.C:
			pos := int(time.Since(start).Seconds() * float64(buf.SampleRate))
			if pos >= frames {
				if onEnd != nil {
					onEnd(true)
				}
				return
			}
			if onLevel != nil {
				onLevel(RMS(buf, pos, p.window))
			}
		}
	}
}

// Stop halts playback and returns once the end callback has run.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.out.Stop()
}

// Playing reports whether a buffer is currently playing.
func (p *Player) Playing() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
