// Package session owns the single full-duplex connection to the
// conversation server and delivers its frames in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexvrm/internal/bus"
	"github.com/normanking/cortexvrm/internal/metrics"
	"github.com/normanking/cortexvrm/internal/protocol"
)

var (
	ErrNotConnected = errors.New("session not connected")
	ErrBusy         = errors.New("session already connecting or connected")
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

func (s State) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	}
	return 0
}

// TurnContext identifies the conversation a connection joins.
type TurnContext struct {
	SessionID   string
	CharacterID string
}

// Handler receives the frames of one connection. All methods are called
// from a single goroutine, one at a time, in arrival order. HandleOpen is
// always first and HandleClose always last. Handlers must not call
// Disconnect.
type Handler interface {
	HandleOpen()
	HandleEvent(ev protocol.Event)
	HandleBinary(data []byte)
	HandleClose(code int, reason string)
}

// Config holds transport settings.
type Config struct {
	Endpoint          string        `mapstructure:"endpoint"`
	SessionID         string        `mapstructure:"session_id"`
	CharacterID       string        `mapstructure:"character_id"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	MailboxSize       int           `mapstructure:"mailbox_size"`
}

// DefaultConfig returns local defaults. Keepalive is off.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "ws://localhost:8000/ws",
		SessionID:    "demo",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		MailboxSize:  1024,
	}
}

// BuildURL appends the session id as a path segment and the character
// id as a query parameter. http(s) schemes are mapped to ws(s).
func BuildURL(base string, tc TurnContext) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if tc.SessionID != "" {
		u = u.JoinPath(tc.SessionID)
	}
	if tc.CharacterID != "" {
		q := u.Query()
		q.Set("character_id", tc.CharacterID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Transport is a reusable session endpoint. Each successful Connect
// creates a fresh link with its own mailbox.
type Transport struct {
	cfg      Config
	handler  Handler
	dialer   *websocket.Dialer
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	link     *link
	endpoint string
}

func NewTransport(cfg Config, handler Handler, eventBus *bus.EventBus, logger zerolog.Logger) *Transport {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	return &Transport{
		cfg:      cfg,
		handler:  handler,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		eventBus: eventBus,
		logger:   logger.With().Str("component", "session").Logger(),
		state:    StateDisconnected,
	}
}

// State returns the connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the state is Connected.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Endpoint returns the URL of the current or last connection.
func (t *Transport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	metrics.SessionState.Set(s.gauge())
	if t.eventBus != nil {
		t.eventBus.Publish(bus.Event{Type: bus.EventTypeSessionState, Data: map[string]any{"state": string(s)}})
	}
}

// Connect dials endpoint and starts delivering frames to the handler. It
// returns ErrBusy, after logging, unless the transport is Disconnected.
func (t *Transport) Connect(ctx context.Context, endpoint string, tc TurnContext) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		state := t.state
		t.mu.Unlock()
		t.logger.Warn().Str("state", string(state)).Msg("connect ignored")
		return ErrBusy
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	target, err := BuildURL(endpoint, tc)
	if err != nil {
		t.failConnect(err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, _, err := t.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", target, err)
		t.failConnect(err)
		return err
	}

	l := newLink(conn, t.cfg, t.handler, t.logger)

	t.mu.Lock()
	if t.state != StateConnecting {
		// Disconnect raced the dial.
		t.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	t.link = l
	t.endpoint = target
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	t.logger.Info().Msgf("connected: %s", target)
	l.start(func() { t.detach(l) })
	return nil
}

func (t *Transport) failConnect(err error) {
	t.logger.Error().Err(err).Msg("connect failed")
	t.mu.Lock()
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()
}

// detach runs when a link's read side ends.
func (t *Transport) detach(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == l {
		t.link = nil
		t.setStateLocked(StateDisconnected)
	}
}

// Disconnect closes the connection if open and waits until the handler
// has seen HandleClose. The state is Disconnected on return.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	l := t.link
	t.link = nil
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if l == nil {
		return
	}
	l.close(websocket.CloseNormalClosure, "client disconnect")
	<-l.done
}

// SendControl transmits {"type": c}. It is a no-op unless Connected.
func (t *Transport) SendControl(c protocol.Control) error {
	payload, err := protocol.EncodeControl(c)
	if err != nil {
		return err
	}
	l := t.current()
	if l == nil {
		t.logger.Debug().Str("control", string(c)).Msg("control dropped, not connected")
		return nil
	}
	return l.write(websocket.TextMessage, payload)
}

// SendBinary transmits one binary frame.
func (t *Transport) SendBinary(data []byte) error {
	l := t.current()
	if l == nil {
		return ErrNotConnected
	}
	return l.write(websocket.BinaryMessage, data)
}

func (t *Transport) current() *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected {
		return nil
	}
	return t.link
}

// closeReason extracts a close code and reason from a read error.
func closeReason(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, strings.TrimSpace(err.Error())
}
