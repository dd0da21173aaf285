// Package client wires one conversation session to the avatar: session
// frames fan out to the turn aggregator, the speech pipeline, the motion
// engine and the mouth signal.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvrm/internal/audio"
	"github.com/normanking/cortexvrm/internal/avatar"
	"github.com/normanking/cortexvrm/internal/bus"
	"github.com/normanking/cortexvrm/internal/config"
	"github.com/normanking/cortexvrm/internal/metrics"
	"github.com/normanking/cortexvrm/internal/mic"
	"github.com/normanking/cortexvrm/internal/motion"
	"github.com/normanking/cortexvrm/internal/protocol"
	"github.com/normanking/cortexvrm/internal/session"
	"github.com/normanking/cortexvrm/internal/turns"
)

// Deps are the host-provided collaborators. Nil fields get headless
// defaults.
type Deps struct {
	Output   audio.Output
	Device   mic.Device
	Engine   *motion.Engine
	EventBus *bus.EventBus
}

// Client is one avatar conversation endpoint. It implements
// session.Handler; all handler methods run on the session dispatcher.
type Client struct {
	cfg    *config.Config
	logger zerolog.Logger
	bus    *bus.EventBus

	transport *session.Transport
	turns     *turns.Aggregator
	pipeline  *audio.Pipeline
	avatar    *avatar.Controller
	motion    *motion.Engine
	mic       *mic.Capture

	mu            sync.Mutex
	pendingMotion *motion.Payload
	sessionID     string

	runCtx context.Context
}

// New assembles a client from cfg.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Client {
	if deps.Output == nil {
		deps.Output = audio.NullOutput{}
	}
	if deps.EventBus == nil {
		deps.EventBus = bus.NewEventBus()
	}
	if deps.Engine == nil {
		deps.Engine = motion.NewEngine(cfg.Motion.Engine, nil, logger)
	}
	if deps.Device == nil {
		if cfg.Mic.File != "" {
			deps.Device = mic.NewFileDevice(cfg.Mic.File)
		} else {
			deps.Device = mic.UnsupportedDevice{}
		}
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "client").Logger(),
		bus:    deps.EventBus,
		turns:  turns.NewAggregator(),
		avatar: avatar.NewController(cfg.LipSync),
		motion: deps.Engine,
		runCtx: context.Background(),
	}

	player := audio.NewPlayer(deps.Output, cfg.Audio)
	c.pipeline = audio.NewPipeline(cfg.Audio, player, deps.EventBus, logger)
	c.pipeline.OnLevel(c.avatar.FeedAudio)
	c.pipeline.OnPlaybackStart(c.onSpeechStart)
	c.pipeline.OnPlaybackEnd(c.onSpeechEnd)

	c.transport = session.NewTransport(cfg.Session, c, deps.EventBus, logger)

	c.mic = mic.NewCapture(cfg.Mic, deps.Device, c.transport, deps.EventBus, logger)
	c.mic.BeforeStart(c.pipeline.Stop)

	return c
}

// Bus returns the UI event bus.
func (c *Client) Bus() *bus.EventBus { return c.bus }

// Engine returns the motion engine.
func (c *Client) Engine() *motion.Engine { return c.motion }

// Avatar returns the mouth signal owner.
func (c *Client) Avatar() *avatar.Controller { return c.avatar }

// Run keeps the server mouth decaying until ctx is done. Motion files
// referenced by URL are fetched under ctx.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	c.avatar.Run(ctx)
}

// Connect opens the configured session.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx, c.cfg.Session.Endpoint, session.TurnContext{
		SessionID:   c.cfg.Session.SessionID,
		CharacterID: c.cfg.Session.CharacterID,
	})
}

// Disconnect closes the session. Capture and playback are stopped before
// it returns.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
	c.teardown("disconnect")
}

// State returns the session state.
func (c *Client) State() session.State { return c.transport.State() }

// SendControl sends a control message if connected.
func (c *Client) SendControl(kind protocol.Control) error {
	return c.transport.SendControl(kind)
}

// StartMic starts recording an utterance. Playing speech is stopped first.
func (c *Client) StartMic(ctx context.Context) error {
	if err := c.mic.Start(ctx); err != nil {
		return err
	}
	c.avatar.StartListening()
	return nil
}

// StopMic stops recording; with flush the utterance is sent.
func (c *Client) StopMic(flush bool) error {
	err := c.mic.Stop(mic.StopOptions{Flush: flush, Reason: "user"})
	c.avatar.StopListening()
	return err
}

// Recording reports whether the mic is recording.
func (c *Client) Recording() bool { return c.mic.Recording() }

// Tick advances motion by one render frame.
func (c *Client) Tick(dt time.Duration) {
	c.motion.Update(dt)
}

// MouthOpen returns the renderer mouth scalar in [0, 1].
func (c *Client) MouthOpen() float64 { return c.avatar.MouthOpen() }

// Expressions returns the mouth expression weights.
func (c *Client) Expressions() map[string]float64 { return c.avatar.Expressions() }

// Turns returns the conversation so far.
func (c *Client) Turns() []turns.ChatTurn { return c.turns.Turns() }

// PartialText returns the live transcript.
func (c *Client) PartialText() string { return c.turns.PartialText() }

// Latency returns the latest stage timings.
func (c *Client) Latency() turns.Latency { return c.turns.Latency() }

// SessionID returns the id announced by the server, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// HandleOpen resets per-session state.
func (c *Client) HandleOpen() {
	c.turns.Reset()
	c.pipeline.Reset()
	c.avatar.Reset()
	c.mu.Lock()
	c.pendingMotion = nil
	c.sessionID = ""
	c.mu.Unlock()
}

// HandleBinary appends a speech chunk to the current utterance.
func (c *Client) HandleBinary(data []byte) {
	c.pipeline.Chunk(data)
}

// HandleClose tears down capture and playback.
func (c *Client) HandleClose(code int, reason string) {
	c.teardown("closed")
}

func (c *Client) teardown(reason string) {
	c.turns.EndSession()
	c.mic.Stop(mic.StopOptions{Reason: reason})
	c.pipeline.Stop()
	c.avatar.Reset()
}

// HandleEvent routes one decoded event.
func (c *Client) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Ready:
		c.mu.Lock()
		c.sessionID = e.SessionID
		c.mu.Unlock()
		c.logger.Info().Str("session_id", e.SessionID).Msg("ready")
		c.publish(bus.EventTypeReady, map[string]any{"session_id": e.SessionID})

	case protocol.PartialTranscript:
		c.turns.Partial(e.Text)
		c.publish(bus.EventTypePartialTranscript, map[string]any{"text": e.Text})

	case protocol.FinalTranscript:
		turn := c.turns.Final(e.TurnID, e.Text, latencyField(e.Latency, stageSTT))
		if c.mic.Recording() {
			c.mic.Stop(mic.StopOptions{Reason: "final_transcript"})
			c.avatar.StopListening()
		}
		c.publishTurn(turn)
		c.publishLatency()

	case protocol.Token:
		c.publishTurn(c.turns.Token(e.TurnID, e.Token))

	case protocol.Done:
		turn := c.turns.Done(e.TurnID, e.AssistantText,
			latencyField(e.Latency, stageSTT), latencyField(e.Latency, stageLLM))
		metrics.TurnsCompleted.Inc()
		c.publishTurn(turn)
		c.publishLatency()

	case protocol.TTSStart:
		c.pipeline.SpeechStart(e.TurnID, e.SampleRate, e.Channels)

	case protocol.TTSEnd:
		c.turns.SpeechLatency(latencyField(e.Latency, stageLLM), latencyField(e.Latency, stageTTS))
		c.publishLatency()
		// Failures are logged and published by the pipeline.
		c.pipeline.SpeechEnd(e.TurnID)

	case protocol.AssistantMotion:
		c.queueMotion(e)

	case protocol.AvatarEvent:
		if e.MouthOpen != nil {
			c.avatar.FeedServer(*e.MouthOpen)
		}

	case protocol.Error:
		c.logger.Warn().Bool("recoverable", e.Recoverable).Msgf("server error: %s", e.Message)
		c.publish(bus.EventTypeServerError, map[string]any{"message": e.Message, "recoverable": e.Recoverable})

	case protocol.Pong:
		c.logger.Debug().Msg("pong")

	case protocol.Unknown:
		c.logger.Info().Msgf("message: %s", e.Raw)

	default:
		c.logger.Warn().Str("type", string(ev.Type())).Msg("unhandled event")
	}
}

// queueMotion holds a motion until speech starts so gesture and voice
// begin together. It plays at once when speech is already playing.
func (c *Client) queueMotion(e protocol.AssistantMotion) {
	if e.Motion == nil {
		return
	}
	c.logger.Info().
		Str("job_id", e.Motion.JobID).
		Str("provider", e.Motion.Provider).
		Bool("fallback", e.Motion.FallbackUsed).
		Int("tracks", len(e.Motion.Tracks)).
		Msg("assistant_motion")

	if c.pipeline.Playing() {
		c.playMotion(e.Motion)
		return
	}
	c.mu.Lock()
	c.pendingMotion = e.Motion
	c.mu.Unlock()
}

func (c *Client) onSpeechStart(turnID string, buf *audio.Buffer) {
	c.avatar.StartSpeaking()

	c.mu.Lock()
	p := c.pendingMotion
	c.pendingMotion = nil
	c.mu.Unlock()
	if p != nil {
		c.playMotion(p)
	}
}

func (c *Client) onSpeechEnd(completed bool) {
	c.avatar.StopSpeaking()
}

func (c *Client) playMotion(p *motion.Payload) {
	if p.HasTracks() {
		report, err := c.motion.PlayPayload(p)
		c.reportMotion(p.JobID, report, err)
		return
	}
	src := p.URL
	if src == "" {
		src = p.OutputPath
	}
	if src == "" {
		c.logger.Warn().Str("job_id", p.JobID).Msg("motion has neither tracks nor url")
		return
	}

	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	// Loading may hit the network; keep it off the dispatcher.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Str("job_id", p.JobID).Str("src", src).Msg("motion load failed")
				c.reportMotion(p.JobID, nil, fmt.Errorf("load motion: %v", r))
			}
		}()
		report, err := c.motion.PlayFile(ctx, src)
		c.reportMotion(p.JobID, report, err)
	}()
}

func (c *Client) reportMotion(jobID string, report *motion.PlayReport, err error) {
	if err != nil {
		data := map[string]any{"job_id": jobID, "error": err.Error()}
		if report != nil {
			data["missing"] = report.Missing
		}
		c.publish(bus.EventTypeMotionRejected, data)
		return
	}
	c.publish(bus.EventTypeMotionPlayed, map[string]any{
		"job_id":  jobID,
		"clip":    report.Clip,
		"bound":   report.Bound,
		"missing": report.Missing,
	})
}

func (c *Client) publishTurn(turn turns.ChatTurn) {
	c.publish(bus.EventTypeTurnUpdated, map[string]any{
		"id":            turn.ID,
		"userText":      turn.UserText,
		"assistantText": turn.AssistantText,
		"status":        turn.Status.String(),
		"startedAt":     turn.StartedAt,
	})
}

func (c *Client) publishLatency() {
	l := c.turns.Latency()
	data := map[string]any{}
	for name, v := range map[string]*float64{"stt": l.STT, "llm": l.LLM, "tts": l.TTS} {
		if v != nil {
			data[name] = *v
		}
	}
	c.publish(bus.EventTypeLatency, data)
}

func (c *Client) publish(t bus.EventType, data map[string]any) {
	c.bus.Publish(bus.Event{Type: t, Data: data})
}

type stage int

const (
	stageSTT stage = iota
	stageLLM
	stageTTS
)

func latencyField(l *protocol.Latency, s stage) *float64 {
	if l == nil {
		return nil
	}
	switch s {
	case stageSTT:
		return l.STT
	case stageLLM:
		return l.LLM
	}
	return l.TTS
}
