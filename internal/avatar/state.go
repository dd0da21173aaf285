// Package avatar holds the avatar's speaking state and the mouth-openness
// signal the renderer reads every frame.
package avatar

import (
	"context"
	"sync"
	"time"
)

// Expression names understood by VRM renderers.
const (
	ExpressionAa = "aa"
	ExpressionIh = "ih"
)

// LipSyncConfig holds the tuned lip-sync constants.
type LipSyncConfig struct {
	// SilenceThreshold is subtracted from the playback RMS.
	SilenceThreshold float64 `mapstructure:"silence_threshold"`
	// Gain scales the thresholded RMS into openness.
	Gain float64 `mapstructure:"gain"`
	// AudioSmoothing is the weight of the previous audio mouth value.
	AudioSmoothing float64 `mapstructure:"audio_smoothing"`
	// ServerSmoothing is the weight of the previous server mouth value.
	ServerSmoothing float64 `mapstructure:"server_smoothing"`
	// DecayFactor multiplies the server value every DecayInterval.
	DecayFactor   float64       `mapstructure:"decay_factor"`
	DecayInterval time.Duration `mapstructure:"decay_interval"`
	// DecayFloor snaps the server value to zero.
	DecayFloor float64 `mapstructure:"decay_floor"`
	// IhRatio scales the secondary mouth expression.
	IhRatio float64 `mapstructure:"ih_ratio"`
}

// DefaultLipSyncConfig returns the tuned defaults.
func DefaultLipSyncConfig() LipSyncConfig {
	return LipSyncConfig{
		SilenceThreshold: 0.02,
		Gain:             6,
		AudioSmoothing:   0.4,
		ServerSmoothing:  0.5,
		DecayFactor:      0.9,
		DecayInterval:    90 * time.Millisecond,
		DecayFloor:       0.01,
		IhRatio:          0.25,
	}
}

// State is a snapshot of the avatar.
type State struct {
	IsSpeaking  bool    `json:"isSpeaking"`
	IsListening bool    `json:"isListening"`
	AudioMouth  float64 `json:"audioMouth"`
	ServerMouth float64 `json:"serverMouth"`
}

// MouthOpen is the renderer scalar: the larger of both sources, in [0, 1].
func (s State) MouthOpen() float64 {
	return clamp01(max(s.AudioMouth, s.ServerMouth))
}

// Controller owns the avatar state. The audio mouth follows playback
// levels; the server mouth follows avatar events and decays on its own.
type Controller struct {
	cfg   LipSyncConfig
	state State
	mu    sync.RWMutex

	onStateChange func(State)
}

// NewController creates a new avatar controller
func NewController(cfg LipSyncConfig) *Controller {
	return &Controller{cfg: cfg}
}

// SetStateHandler sets the callback for speaking and listening changes.
func (c *Controller) SetStateHandler(handler func(State)) {
	c.mu.Lock()
	c.onStateChange = handler
	c.mu.Unlock()
}

// GetState returns the current state
func (c *Controller) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Openness maps a playback RMS to a raw mouth value in [0, 1].
func (c *Controller) Openness(rms float64) float64 {
	return clamp01((rms - c.cfg.SilenceThreshold) * c.cfg.Gain)
}

// FeedAudio folds one playback level sample into the audio mouth.
func (c *Controller) FeedAudio(rms float64) {
	open := c.Openness(rms)
	c.mu.Lock()
	s := c.cfg.AudioSmoothing
	c.state.AudioMouth = clamp01(c.state.AudioMouth*s + open*(1-s))
	c.mu.Unlock()
}

// ResetAudio closes the audio mouth, as when playback ends.
func (c *Controller) ResetAudio() {
	c.mu.Lock()
	c.state.AudioMouth = 0
	c.mu.Unlock()
}

// FeedServer folds a server-sent mouth value into the server mouth.
func (c *Controller) FeedServer(v float64) {
	c.mu.Lock()
	s := c.cfg.ServerSmoothing
	c.state.ServerMouth = clamp01(c.state.ServerMouth*s + clamp01(v)*(1-s))
	c.mu.Unlock()
}

// Decay applies one decay step to the server mouth.
func (c *Controller) Decay() {
	c.mu.Lock()
	if c.state.ServerMouth > c.cfg.DecayFloor {
		c.state.ServerMouth *= c.cfg.DecayFactor
	} else {
		c.state.ServerMouth = 0
	}
	c.mu.Unlock()
}

// Run decays the server mouth until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.DecayInterval
	if interval <= 0 {
		interval = DefaultLipSyncConfig().DecayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Decay()
		}
	}
}

// MouthOpen returns the renderer mouth scalar.
func (c *Controller) MouthOpen() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.MouthOpen()
}

// Expressions returns the mouth expression weights for the renderer.
func (c *Controller) Expressions() map[string]float64 {
	open := c.MouthOpen()
	return map[string]float64{
		ExpressionAa: open,
		ExpressionIh: open * c.cfg.IhRatio,
	}
}

// StartSpeaking marks speech playback as running.
func (c *Controller) StartSpeaking() {
	c.mu.Lock()
	c.state.IsSpeaking = true
	state := c.state
	c.mu.Unlock()

	c.notifyStateChange(state)
}

// StopSpeaking ends speech playback and closes the audio mouth.
func (c *Controller) StopSpeaking() {
	c.mu.Lock()
	c.state.IsSpeaking = false
	c.state.AudioMouth = 0
	state := c.state
	c.mu.Unlock()

	c.notifyStateChange(state)
}

// StartListening marks the mic as recording.
func (c *Controller) StartListening() {
	c.mu.Lock()
	c.state.IsListening = true
	state := c.state
	c.mu.Unlock()

	c.notifyStateChange(state)
}

// StopListening ends listening.
func (c *Controller) StopListening() {
	c.mu.Lock()
	c.state.IsListening = false
	state := c.state
	c.mu.Unlock()

	c.notifyStateChange(state)
}

// Reset returns to a closed, idle mouth.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = State{}
	state := c.state
	c.mu.Unlock()

	c.notifyStateChange(state)
}

func (c *Controller) notifyStateChange(state State) {
	c.mu.RLock()
	handler := c.onStateChange
	c.mu.RUnlock()

	if handler != nil {
		handler(state)
	}
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
