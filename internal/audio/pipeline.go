package audio

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvrm/internal/bus"
	"github.com/normanking/cortexvrm/internal/metrics"
)

// Pipeline turns the speech frames of a turn into playback. Speech start
// opens an utterance, binary chunks accumulate, speech end decodes and
// plays the whole utterance.
type Pipeline struct {
	cfg      Config
	acc      *Accumulator
	decoders Decoders
	player   *Player
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu     sync.RWMutex
	state  State
	turnID string

	received atomic.Int64

	hookMu  sync.RWMutex
	onLevel func(rms float64)
	onStart func(turnID string, buf *Buffer)
	onEnd   func(completed bool)
}

// NewPipeline creates a pipeline playing through player. A nil player
// plays to NullOutput.
func NewPipeline(cfg Config, player *Player, eventBus *bus.EventBus, logger zerolog.Logger) *Pipeline {
	if player == nil {
		player = NewPlayer(NullOutput{}, cfg)
	}
	p := &Pipeline{
		cfg:      cfg,
		acc:      NewAccumulator(cfg.MaxBufferBytes),
		decoders: DefaultDecoders(),
		player:   player,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "audio").Logger(),
		state:    StateIdle,
	}
	player.OnStart(p.handleStart)
	player.OnLevel(p.handleLevel)
	player.OnEnd(p.handleEnd)
	return p
}

// OnLevel registers the consumer of playback levels.
func (p *Pipeline) OnLevel(fn func(rms float64)) {
	p.hookMu.Lock()
	p.onLevel = fn
	p.hookMu.Unlock()
}

// OnPlaybackStart registers a callback run when a turn's speech starts.
func (p *Pipeline) OnPlaybackStart(fn func(turnID string, buf *Buffer)) {
	p.hookMu.Lock()
	p.onStart = fn
	p.hookMu.Unlock()
}

// OnPlaybackEnd registers a callback run when speech ends or is stopped.
func (p *Pipeline) OnPlaybackEnd(fn func(completed bool)) {
	p.hookMu.Lock()
	p.onEnd = fn
	p.hookMu.Unlock()
}

// State returns the playback state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(state State) {
	p.mu.Lock()
	old := p.state
	p.state = state
	p.mu.Unlock()

	if old == state {
		return
	}
	p.logger.Debug().Str("old", string(old)).Str("new", string(state)).Msg("audio state changed")
	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{
			Type: bus.EventTypeAudioStateChanged,
			Data: map[string]any{
				"old_state": string(old),
				"new_state": string(state),
			},
		})
	}
}

// BytesReceived returns the speech bytes received for the current turn.
func (p *Pipeline) BytesReceived() int64 {
	return p.received.Load()
}

// SpeechStart opens a new utterance. Non-positive format values fall
// back to the configured defaults.
func (p *Pipeline) SpeechStart(turnID string, sampleRate, channels int) {
	if sampleRate <= 0 {
		sampleRate = p.cfg.DefaultSampleRate
	}
	if channels <= 0 {
		channels = p.cfg.DefaultChannels
	}
	p.acc.Start(sampleRate, channels)
	p.received.Store(0)

	p.mu.Lock()
	p.turnID = turnID
	p.mu.Unlock()
	p.setState(StateBuffering)

	p.logger.Info().Str("turn_id", turnID).Int("sample_rate", sampleRate).Int("channels", channels).Msg("tts_start")
}

// Chunk appends one binary speech frame.
func (p *Pipeline) Chunk(data []byte) {
	if err := p.acc.Append(data); err != nil {
		p.logger.Warn().Err(err).Int("size", len(data)).Msg("speech chunk dropped")
		return
	}
	p.received.Add(int64(len(data)))
	metrics.AudioBytesReceived.Add(float64(len(data)))
}

// SpeechEnd decodes everything received since SpeechStart and starts
// playback. A decode failure drops the turn's audio and is returned.
func (p *Pipeline) SpeechEnd(turnID string) (*Buffer, error) {
	truncated := p.acc.Truncated()
	data := p.acc.Flush()
	if truncated {
		p.logger.Warn().Str("turn_id", turnID).Int("bytes", len(data)).Msg("speech truncated at buffer limit")
	}
	if len(data) == 0 {
		p.logger.Warn().Str("turn_id", turnID).Msg("tts_end without audio")
		p.setState(StateIdle)
		return nil, ErrEmptyAudio
	}

	sampleRate, channels := p.acc.Format()
	if sampleRate <= 0 {
		sampleRate = p.cfg.DefaultSampleRate
	}
	if channels <= 0 {
		channels = p.cfg.DefaultChannels
	}
	payload, format := Prepare(data, sampleRate, channels)

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{
			Type: bus.EventTypeSpeechBuffered,
			Data: map[string]any{
				"turn_id":   turnID,
				"bytes":     len(data),
				"format":    string(format),
				"mime":      format.MIME(),
				"truncated": truncated,
			},
		})
	}

	buf, err := p.decoders.Decode(payload)
	if err == nil && buf.Frames() == 0 {
		err = ErrEmptyAudio
	}
	if err != nil {
		p.fail(turnID, format, err)
		return nil, err
	}

	p.mu.Lock()
	p.turnID = turnID
	p.mu.Unlock()

	metrics.PlaybackSeconds.Observe(buf.Duration().Seconds())
	if err := p.player.Play(buf); err != nil {
		p.fail(turnID, format, err)
		return nil, err
	}
	return buf, nil
}

func (p *Pipeline) fail(turnID string, format Format, err error) {
	p.logger.Error().Err(err).Str("turn_id", turnID).Str("format", string(format)).Msg("tts playback skipped")
	metrics.DecodeFailures.WithLabelValues(string(format)).Inc()
	p.setState(StateIdle)
	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{
			Type: bus.EventTypeDecodeFailed,
			Data: map[string]any{
				"turn_id":     turnID,
				"format":      string(format),
				"error":       err.Error(),
				"unsupported": errors.Is(err, ErrUnsupportedFormat),
			},
		})
	}
}

// Stop halts playback and drops any buffered speech. It returns after
// the playback end callback has run.
func (p *Pipeline) Stop() {
	p.player.Stop()
	p.acc.Clear()
	p.setState(StateIdle)
}

// Reset prepares the pipeline for a new session.
func (p *Pipeline) Reset() {
	p.Stop()
	p.received.Store(0)
	p.mu.Lock()
	p.turnID = ""
	p.mu.Unlock()
}

// Playing reports whether speech is playing.
func (p *Pipeline) Playing() bool {
	return p.player.Playing()
}

func (p *Pipeline) handleStart(buf *Buffer) {
	p.setState(StatePlaying)

	p.mu.RLock()
	turnID := p.turnID
	p.mu.RUnlock()

	p.logger.Info().
		Str("turn_id", turnID).
		Dur("duration", buf.Duration()).
		Int("sample_rate", buf.SampleRate).
		Msg("tts playback started")

	p.hookMu.RLock()
	fn := p.onStart
	p.hookMu.RUnlock()
	if fn != nil {
		fn(turnID, buf)
	}
}

func (p *Pipeline) handleLevel(rms float64) {
	p.hookMu.RLock()
	fn := p.onLevel
	p.hookMu.RUnlock()
	if fn != nil {
		fn(rms)
	}
}

func (p *Pipeline) handleEnd(completed bool) {
	p.setState(StateIdle)

	p.hookMu.RLock()
	fn := p.onEnd
	p.hookMu.RUnlock()
	if fn != nil {
		fn(completed)
	}
}
