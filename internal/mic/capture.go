// Package mic records one utterance at a time and sends it to the
// session as a single binary frame followed by a flush.
package mic

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvrm/internal/audio"
	"github.com/normanking/cortexvrm/internal/bus"
	"github.com/normanking/cortexvrm/internal/metrics"
	"github.com/normanking/cortexvrm/internal/protocol"
)

var (
	ErrMicUnsupported = errors.New("audio input is not supported on this host")
	ErrMicInsecure    = errors.New("audio input requires a secure connection")
	ErrMicUnavailable = errors.New("audio input device unavailable")
	ErrNotConnected   = errors.New("session not connected")
)

// Hint returns a user-facing explanation for a capture error.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMicInsecure):
		return "Microphone access needs a secure context: connect over wss:// or to localhost."
	case errors.Is(err, ErrMicUnsupported):
		return "This host has no supported audio input. Use an utterance file instead."
	case errors.Is(err, ErrNotConnected):
		return "Connect to a session before recording."
	}
	return "Microphone could not be started: " + err.Error()
}

// State is the capture state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// Config holds capture settings.
type Config struct {
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
	// MaxUtteranceBytes caps one recording; 0 means unlimited.
	MaxUtteranceBytes int `mapstructure:"max_utterance_bytes"`
	// RequireSecureContext refuses capture over plain ws:// to remote hosts.
	RequireSecureContext bool `mapstructure:"require_secure_context"`
	// File replays a recorded utterance instead of a live device.
	File string `mapstructure:"file"`
}

// DefaultConfig returns 100 ms chunks and a two minute cap.
func DefaultConfig() Config {
	return Config{
		ChunkInterval:     100 * time.Millisecond,
		MaxUtteranceBytes: 16000 * 2 * 120,
	}
}

// Sender is the session side of capture.
type Sender interface {
	Connected() bool
	Endpoint() string
	SendBinary(data []byte) error
	SendControl(c protocol.Control) error
}

// StopOptions controls what Stop does with the recording.
type StopOptions struct {
	Flush  bool
	Reason string
}

// Capture records from a Device into a local buffer.
type Capture struct {
	cfg      Config
	device   Device
	sender   Sender
	buf      *audio.Accumulator
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu    sync.Mutex
	state State

	beforeStart func()
}

func NewCapture(cfg Config, device Device, sender Sender, eventBus *bus.EventBus, logger zerolog.Logger) *Capture {
	if device == nil {
		device = UnsupportedDevice{}
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultConfig().ChunkInterval
	}
	return &Capture{
		cfg:      cfg,
		device:   device,
		sender:   sender,
		buf:      audio.NewAccumulator(cfg.MaxUtteranceBytes),
		eventBus: eventBus,
		logger:   logger.With().Str("component", "mic").Logger(),
		state:    StateIdle,
	}
}

// BeforeStart registers a callback run before recording starts, used to
// halt speech playback.
func (c *Capture) BeforeStart(fn func()) {
	c.mu.Lock()
	c.beforeStart = fn
	c.mu.Unlock()
}

// Recording reports whether capture is running.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRecording
}

// BufferedBytes returns the size of the current recording.
func (c *Capture) BufferedBytes() int {
	return c.buf.Size()
}

// Start begins recording. It is a no-op while already recording and
// fails when the session is not connected or the device is refused.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRecording {
		return nil
	}
	if !c.sender.Connected() {
		return ErrNotConnected
	}
	if c.cfg.RequireSecureContext && !secureEndpoint(c.sender.Endpoint()) {
		c.logger.Warn().Str("hint", Hint(ErrMicInsecure)).Msg("mic error")
		return ErrMicInsecure
	}

	if c.beforeStart != nil {
		c.beforeStart()
	}
	c.buf.Clear()

	if err := c.device.Start(ctx, c.cfg.ChunkInterval, c.append); err != nil {
		c.logger.Warn().Err(err).Str("hint", Hint(err)).Msg("mic error")
		return err
	}
	c.state = StateRecording
	c.logger.Info().Msg("mic started (one-shot)")
	c.publish(bus.EventTypeMicStarted, map[string]any{})
	return nil
}

func (c *Capture) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := c.buf.Append(chunk); err != nil {
		c.logger.Warn().Err(err).Msg("mic chunk dropped")
	}
}

// Stop halts recording and releases the device. With Flush set and the
// session connected, the whole recording goes out as one binary frame
// followed by a flush control message.
func (c *Capture) Stop(opts StopOptions) error {
	c.mu.Lock()
	wasRecording := c.state == StateRecording
	c.state = StateIdle
	c.mu.Unlock()

	if wasRecording {
		c.device.Stop()
	}
	data := c.buf.Flush()

	var sendErr error
	if opts.Flush && c.sender.Connected() {
		if len(data) > 0 {
			if err := c.sender.SendBinary(data); err != nil {
				sendErr = err
			} else {
				metrics.MicUtterancesSent.Inc()
			}
		}
		if err := c.sender.SendControl(protocol.ControlFlush); err != nil && sendErr == nil {
			sendErr = err
		}
	}

	if wasRecording || opts.Flush {
		ev := c.logger.Info().Bool("flush", opts.Flush).Int("bytes", len(data))
		if opts.Reason != "" {
			ev = ev.Str("reason", opts.Reason)
		}
		ev.Msg("mic stopped")
		c.publish(bus.EventTypeMicStopped, map[string]any{
			"reason": opts.Reason,
			"flush":  opts.Flush,
			"bytes":  len(data),
		})
	}
	return sendErr
}

func (c *Capture) publish(t bus.EventType, data map[string]any) {
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}

// secureEndpoint reports whether capture over endpoint is allowed: TLS,
// or a loopback host.
func secureEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	if u.Scheme == "wss" || u.Scheme == "https" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
