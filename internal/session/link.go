package session

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexvrm/internal/metrics"
	"github.com/normanking/cortexvrm/internal/protocol"
)

// link is one live connection. The read pump is the only producer for
// the mailbox and a single dispatcher drains it, so handler calls never
// overlap or reorder.
type link struct {
	conn    *websocket.Conn
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	writeMu sync.Mutex
	mailbox chan func()
	done    chan struct{}
	stop    chan struct{}

	closeOnce   sync.Once
	localMu     sync.Mutex
	localCode   int
	localReason string
}

func newLink(conn *websocket.Conn, cfg Config, handler Handler, logger zerolog.Logger) *link {
	return &link{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		mailbox: make(chan func(), cfg.MailboxSize),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func (l *link) start(onDetach func()) {
	l.mailbox <- l.handler.HandleOpen
	go l.dispatch()
	go l.readPump(onDetach)
	if l.cfg.KeepaliveInterval > 0 {
		go l.keepalive()
	}
}

func (l *link) dispatch() {
	defer close(l.done)
	for job := range l.mailbox {
		l.run(job)
	}
}

func (l *link) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("message handler error")
		}
	}()
	job()
}

func (l *link) readPump(onDetach func()) {
	var code int
	var reason string
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			code, reason = l.closeCause(err)
			break
		}
		switch kind {
		case websocket.BinaryMessage:
			metrics.FramesReceived.WithLabelValues("binary").Inc()
			l.mailbox <- func() { l.handler.HandleBinary(data) }
		case websocket.TextMessage:
			metrics.FramesReceived.WithLabelValues("text").Inc()
			l.enqueueText(data)
		}
	}

	l.shutdown()
	onDetach()
	l.logger.Info().Int("code", code).Msgf("closed (%d): %s", code, reason)
	l.mailbox <- func() { l.handler.HandleClose(code, reason) }
	close(l.mailbox)
}

func (l *link) enqueueText(data []byte) {
	ev, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrMissingType):
		l.logger.Info().Msgf("message: %s", data)
		return
	case err != nil:
		if utf8.Valid(data) {
			l.logger.Info().Msgf("text: %s", data)
		} else {
			l.logger.Warn().Int("bytes", len(data)).Msg("undecodable text frame")
		}
		return
	}
	l.mailbox <- func() { l.handler.HandleEvent(ev) }
}

// closeCause prefers a locally requested close over the read error.
func (l *link) closeCause(err error) (int, string) {
	l.localMu.Lock()
	defer l.localMu.Unlock()
	if l.localCode != 0 {
		return l.localCode, l.localReason
	}
	return closeReason(err)
}

func (l *link) keepalive() {
	ticker := time.NewTicker(l.cfg.KeepaliveInterval)
	defer ticker.Stop()
	payload, _ := protocol.EncodeControl(protocol.ControlPing)
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.write(websocket.TextMessage, payload); err != nil {
				l.logger.Debug().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

func (l *link) write(kind int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.cfg.WriteTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	return l.conn.WriteMessage(kind, data)
}

// close sends a close frame and tears the socket down, which ends the
// read pump.
func (l *link) close(code int, reason string) {
	l.localMu.Lock()
	if l.localCode == 0 {
		l.localCode, l.localReason = code, reason
	}
	l.localMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	l.writeMu.Lock()
	l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	l.writeMu.Unlock()
	l.shutdown()
}

func (l *link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.conn.Close()
	})
}
