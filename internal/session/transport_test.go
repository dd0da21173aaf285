package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvrm/internal/protocol"
	"github.com/normanking/cortexvrm/internal/testutil"
)

type recorder struct {
	mu      sync.Mutex
	calls   []string
	closed  chan struct{}
	panicOn protocol.Type
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) HandleOpen() { r.add("open") }

func (r *recorder) HandleEvent(ev protocol.Event) {
	if ev.Type() == r.panicOn {
		panic("handler failure")
	}
	r.add(string(ev.Type()))
}

func (r *recorder) HandleBinary(data []byte) { r.add(fmt.Sprintf("binary:%d", len(data))) }

func (r *recorder) HandleClose(code int, reason string) {
	r.add(fmt.Sprintf("close:%d:%s", code, reason))
	close(r.closed)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleClose not called")
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

func text(conn *websocket.Conn, s string) {
	conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func TestTransport_DeliversFramesInOrder(t *testing.T) {
	srv := testutil.NewWSServer(t, func(conn *websocket.Conn) {
		text(conn, `{"type":"ready","session_id":"demo"}`)
		text(conn, `{"type":"tts_start","turn_id":"t1"}`)
		for i := 1; i <= 3; i++ {
			conn.WriteMessage(websocket.BinaryMessage, make([]byte, i*100))
		}
		text(conn, "not json")
		text(conn, `{"no":"type"}`)
		text(conn, `{"type":"tts_end","turn_id":"t1"}`)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye"))
	})

	rec := newRecorder()
	tr := NewTransport(testConfig(), rec, nil, zerolog.Nop())
	require.NoError(t, tr.Connect(context.Background(), srv.URL(), TurnContext{SessionID: "demo"}))

	rec.waitClosed(t)
	assert.Equal(t, []string{
		"open",
		"ready",
		"tts_start",
		"binary:100",
		"binary:200",
		"binary:300",
		"tts_end",
		"close:4000:bye",
	}, rec.snapshot())
	assert.Eventually(t, func() bool { return tr.State() == StateDisconnected }, time.Second, 10*time.Millisecond)
}

func TestTransport_URL(t *testing.T) {
	srv := testutil.NewWSServer(t, nil)
	tr := NewTransport(testConfig(), newRecorder(), nil, zerolog.Nop())

	require.NoError(t, tr.Connect(context.Background(), srv.URL()+"/ws", TurnContext{SessionID: "abc", CharacterID: "bob"}))
	defer tr.Disconnect()

	srv.Conn(t)
	assert.Equal(t, []string{"/ws/abc?character_id=bob"}, srv.Paths())
	assert.Equal(t, srv.URL()+"/ws/abc?character_id=bob", tr.Endpoint())
}

func TestTransport_SendAndDisconnect(t *testing.T) {
	srv := testutil.NewWSServer(t, nil)
	rec := newRecorder()
	tr := NewTransport(testConfig(), rec, nil, zerolog.Nop())

	require.NoError(t, tr.Connect(context.Background(), srv.URL(), TurnContext{}))
	assert.True(t, tr.Connected())
	assert.ErrorIs(t, tr.Connect(context.Background(), srv.URL(), TurnContext{}), ErrBusy)

	require.NoError(t, tr.SendBinary([]byte{1, 2, 3}))
	require.NoError(t, tr.SendControl(protocol.ControlFlush))
	assert.Eventually(t, func() bool { return len(srv.Received()) == 2 }, 2*time.Second, 10*time.Millisecond)

	frames := srv.Received()
	assert.False(t, frames[0].Text())
	assert.Equal(t, []byte{1, 2, 3}, frames[0].Data)
	assert.True(t, frames[1].Text())
	assert.JSONEq(t, `{"type":"flush"}`, string(frames[1].Data))

	tr.Disconnect()
	rec.waitClosed(t)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, "close:1000:client disconnect", rec.snapshot()[len(rec.snapshot())-1])

	assert.NoError(t, tr.SendControl(protocol.ControlPing))
	assert.ErrorIs(t, tr.SendBinary([]byte{1}), ErrNotConnected)
	assert.Error(t, tr.SendControl("reboot"))

	tr.Disconnect()
	assert.Len(t, srv.Received(), 2)
}

func TestTransport_Reconnect(t *testing.T) {
	srv := testutil.NewWSServer(t, nil)
	first := newRecorder()
	tr := NewTransport(testConfig(), first, nil, zerolog.Nop())

	require.NoError(t, tr.Connect(context.Background(), srv.URL(), TurnContext{}))
	tr.Disconnect()
	first.waitClosed(t)

	second := newRecorder()
	tr.handler = second
	require.NoError(t, tr.Connect(context.Background(), srv.URL(), TurnContext{}))
	tr.Disconnect()
	second.waitClosed(t)
	assert.Equal(t, []string{"open", "close:1000:client disconnect"}, second.snapshot())
}

func TestTransport_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	srv := testutil.NewWSServer(t, func(conn *websocket.Conn) {
		text(conn, `{"type":"llm_token","turn_id":"t1","token":"a"}`)
		text(conn, `{"type":"pong"}`)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	rec := newRecorder()
	rec.panicOn = protocol.TypeToken
	tr := NewTransport(testConfig(), rec, nil, zerolog.Nop())
	require.NoError(t, tr.Connect(context.Background(), srv.URL(), TurnContext{}))

	rec.waitClosed(t)
	assert.Equal(t, []string{"open", "pong", "close:1000:"}, rec.snapshot())
}

func TestTransport_ConnectFailure(t *testing.T) {
	tr := NewTransport(testConfig(), newRecorder(), nil, zerolog.Nop())

	err := tr.Connect(context.Background(), "ws://127.0.0.1:1/ws", TurnContext{})
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, tr.State())

	err = tr.Connect(context.Background(), "ftp://example.com", TurnContext{})
	assert.ErrorContains(t, err, "unsupported endpoint scheme")
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransport_Keepalive(t *testing.T) {
	srv := testutil.NewWSServer(t, nil)
	cfg := testConfig()
	cfg.KeepaliveInterval = 10 * time.Millisecond
	tr := NewTransport(cfg, newRecorder(), nil, zerolog.Nop())

	require.NoError(t, tr.Connect(context.Background(), srv.URL(), TurnContext{}))
	defer tr.Disconnect()

	assert.Eventually(t, func() bool {
		for _, f := range srv.Received() {
			if f.Text() && string(f.Data) == `{"type":"ping"}` {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base string
		tc   TurnContext
		want string
	}{
		{"ws://localhost:8000/ws", TurnContext{SessionID: "demo"}, "ws://localhost:8000/ws/demo"},
		{"http://localhost:8000/ws/", TurnContext{SessionID: "demo"}, "ws://localhost:8000/ws/demo"},
		{"https://voice.example.com/ws", TurnContext{SessionID: "s 1", CharacterID: "ada"}, "wss://voice.example.com/ws/s%201?character_id=ada"},
		{"wss://voice.example.com", TurnContext{}, "wss://voice.example.com"},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.base, tt.tc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := BuildURL("gopher://x", TurnContext{})
	assert.Error(t, err)
}

func TestCloseReason(t *testing.T) {
	code, reason := closeReason(&websocket.CloseError{Code: 4001, Text: "idle"})
	assert.Equal(t, 4001, code)
	assert.Equal(t, "idle", reason)

	code, _ = closeReason(fmt.Errorf("read tcp: connection reset"))
	assert.Equal(t, websocket.CloseAbnormalClosure, code)
}
