package logging

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, cfg *Config) *Logger {
	t.Helper()
	l, err := NewWithConsole(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogger_HistoryIsCapped(t *testing.T) {
	l := newTestLogger(t, &Config{Level: LevelDebug})

	for i := 0; i < 100; i++ {
		l.Info("test", fmt.Sprintf("entry %d", i), nil)
	}

	hist := l.GetHistory(0)
	require.Len(t, hist, 80)
	assert.Equal(t, "entry 20", hist[0].Message)
	assert.Equal(t, "entry 99", hist[79].Message)

	last := l.GetHistory(3)
	assert.Equal(t, []string{"entry 97", "entry 98", "entry 99"}, []string{last[0].Message, last[1].Message, last[2].Message})
}

func TestLogger_HistoryLevel(t *testing.T) {
	l := newTestLogger(t, &Config{Level: LevelDebug, HistoryLevel: LevelWarn})

	l.Debug("test", "quiet", nil)
	l.Info("test", "normal", nil)
	l.Warn("test", "loud", nil)

	hist := l.GetHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "warn", hist[0].Level)
	assert.Equal(t, "loud", hist[0].Message)
}

func TestLogger_ComponentLoggerFeedsHistory(t *testing.T) {
	l := newTestLogger(t, &Config{})

	var streamed []LogEntry
	l.SetOnLog(func(e LogEntry) { streamed = append(streamed, e) })

	zl := l.Component("session")
	zl.Info().Int("code", 1000).Msgf("closed (%d): %s", 1000, "bye")

	require.Len(t, streamed, 1)
	e := streamed[0]
	assert.Equal(t, "session", e.Component)
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "closed (1000): bye", e.Message)
	assert.Equal(t, "code=1000", e.Data)
	assert.Contains(t, e.String(), "[session] closed (1000): bye (code=1000)")
}

func TestLogger_DataSortedAndErrors(t *testing.T) {
	l := newTestLogger(t, &Config{})

	l.Info("mic", "stopped", map[string]any{"reason": "user", "bytes": 3200})
	l.Error("audio", "decode failed", errors.New("bad header"), nil)

	hist := l.GetHistory(2)
	assert.Equal(t, "bytes=3200, reason=user", hist[0].Data)
	assert.Equal(t, "error", hist[1].Level)
	assert.Equal(t, "error=bad header", hist[1].Data)
}

func TestLogger_FileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	l, err := NewWithConsole(&Config{Dir: dir, Level: LevelInfo, Console: true}, &console)
	require.NoError(t, err)

	l.Info("client", "ready", map[string]any{"session_id": "demo"})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"demo"`)
	assert.Contains(t, string(data), `"app":"cortexvrm"`)
	assert.NotContains(t, string(data), "Logger initialized")
	assert.Contains(t, console.String(), "ready")
}
