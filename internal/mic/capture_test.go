package mic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvrm/internal/protocol"
)

type sent struct {
	binary  []byte
	control protocol.Control
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	endpoint  string
	out       []sent
	binaryErr error
}

func (s *fakeSender) Connected() bool  { return s.connected }
func (s *fakeSender) Endpoint() string { return s.endpoint }

func (s *fakeSender) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binaryErr != nil {
		return s.binaryErr
	}
	s.out = append(s.out, sent{binary: data})
	return nil
}

func (s *fakeSender) SendControl(c protocol.Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{control: c})
	return nil
}

func (s *fakeSender) frames() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.out...)
}

// scriptedDevice emits its chunks synchronously on Start.
type scriptedDevice struct {
	chunks  [][]byte
	err     error
	started int
	stopped int
}

func (d *scriptedDevice) Start(_ context.Context, _ time.Duration, emit func([]byte)) error {
	if d.err != nil {
		return d.err
	}
	d.started++
	for _, c := range d.chunks {
		emit(c)
	}
	return nil
}

func (d *scriptedDevice) Stop() { d.stopped++ }

func connectedSender() *fakeSender {
	return &fakeSender{connected: true, endpoint: "ws://localhost:8000/ws/demo"}
}

func TestCapture_FlushSendsOneFrameThenFlush(t *testing.T) {
	sender := connectedSender()
	dev := &scriptedDevice{chunks: [][]byte{{1, 2}, {3}, {}, {4, 5, 6}}}
	c := NewCapture(DefaultConfig(), dev, sender, nil, zerolog.Nop())

	var halted bool
	c.BeforeStart(func() { halted = true })

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, halted)
	assert.True(t, c.Recording())
	assert.Equal(t, 6, c.BufferedBytes())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, dev.started)

	require.NoError(t, c.Stop(StopOptions{Flush: true, Reason: "user"}))
	assert.False(t, c.Recording())
	assert.Equal(t, 1, dev.stopped)
	assert.Equal(t, []sent{
		{binary: []byte{1, 2, 3, 4, 5, 6}},
		{control: protocol.ControlFlush},
	}, sender.frames())
	assert.Zero(t, c.BufferedBytes())
}

func TestCapture_StopWithoutFlushDiscards(t *testing.T) {
	sender := connectedSender()
	c := NewCapture(DefaultConfig(), &scriptedDevice{chunks: [][]byte{{1}}}, sender, nil, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(StopOptions{}))
	assert.Empty(t, sender.frames())
	assert.Zero(t, c.BufferedBytes())
}

func TestCapture_FlushWithoutAudioSendsOnlyFlush(t *testing.T) {
	sender := connectedSender()
	c := NewCapture(DefaultConfig(), &scriptedDevice{}, sender, nil, zerolog.Nop())

	require.NoError(t, c.Stop(StopOptions{Flush: true}))
	assert.Equal(t, []sent{{control: protocol.ControlFlush}}, sender.frames())
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	dev := &scriptedDevice{}
	c := NewCapture(DefaultConfig(), dev, connectedSender(), nil, zerolog.Nop())

	require.NoError(t, c.Stop(StopOptions{}))
	require.NoError(t, c.Stop(StopOptions{}))
	assert.Zero(t, dev.stopped)
}

func TestCapture_SendErrorReturned(t *testing.T) {
	sender := connectedSender()
	sender.binaryErr = errors.New("write failed")
	c := NewCapture(DefaultConfig(), &scriptedDevice{chunks: [][]byte{{1}}}, sender, nil, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	err := c.Stop(StopOptions{Flush: true})
	assert.EqualError(t, err, "write failed")
	assert.Equal(t, []sent{{control: protocol.ControlFlush}}, sender.frames())
}

func TestCapture_StartRefused(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		c := NewCapture(DefaultConfig(), &scriptedDevice{}, &fakeSender{}, nil, zerolog.Nop())
		assert.ErrorIs(t, c.Start(context.Background()), ErrNotConnected)
		assert.False(t, c.Recording())
	})

	t.Run("insecure", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RequireSecureContext = true
		sender := &fakeSender{connected: true, endpoint: "ws://10.0.0.5:8000/ws/demo"}
		c := NewCapture(cfg, &scriptedDevice{}, sender, nil, zerolog.Nop())
		assert.ErrorIs(t, c.Start(context.Background()), ErrMicInsecure)
	})

	t.Run("unsupported", func(t *testing.T) {
		c := NewCapture(DefaultConfig(), nil, connectedSender(), nil, zerolog.Nop())
		err := c.Start(context.Background())
		assert.ErrorIs(t, err, ErrMicUnsupported)
		assert.False(t, c.Recording())
	})
}

func TestSecureEndpoint(t *testing.T) {
	assert.True(t, secureEndpoint("wss://voice.example.com/ws"))
	assert.True(t, secureEndpoint("ws://localhost:8000/ws"))
	assert.True(t, secureEndpoint("ws://127.0.0.1:8000/ws"))
	assert.True(t, secureEndpoint("ws://[::1]:8000/ws"))
	assert.False(t, secureEndpoint("ws://voice.example.com/ws"))
	assert.False(t, secureEndpoint("::bad"))
}

func TestHint(t *testing.T) {
	assert.Empty(t, Hint(nil))
	assert.Contains(t, Hint(ErrMicInsecure), "secure context")
	assert.Contains(t, Hint(ErrMicUnsupported), "no supported audio input")
	assert.NotEqual(t, Hint(ErrMicInsecure), Hint(ErrMicUnsupported))
	assert.Contains(t, Hint(errors.New("busy")), "busy")
}

func TestFileDevice_Replays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utterance.pcm")
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg := DefaultConfig()
	cfg.ChunkInterval = time.Millisecond
	sender := connectedSender()
	c := NewCapture(cfg, NewFileDevice(path), sender, nil, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool { return c.BufferedBytes() == len(data) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(StopOptions{Flush: true}))
	out := sender.frames()
	require.Len(t, out, 2)
	assert.Equal(t, data, out[0].binary)
}

func TestFileDevice_Missing(t *testing.T) {
	dev := NewFileDevice(filepath.Join(t.TempDir(), "missing.pcm"))
	err := dev.Start(context.Background(), time.Millisecond, func([]byte) {})
	assert.ErrorIs(t, err, ErrMicUnavailable)
	dev.Stop()
}
