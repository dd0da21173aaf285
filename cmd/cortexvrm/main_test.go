package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvrm/internal/motion"
	"github.com/normanking/cortexvrm/internal/testutil"
)

const (
	waveClip = `{"job_id":"wave","duration_sec":1,"tracks":{"r_up_arm":[{"t":0,"w":1},{"t":1,"z":0.5,"w":0.866}]}}`
	tailClip = `{"job_id":"tail","duration_sec":1,"tracks":{"tail":[{"t":0,"w":1}]}}`
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func loadClip(t *testing.T, path, body string) *motion.Clip {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	clip, err := motion.LoadClip(context.Background(), path, motion.AmplifyConfig{})
	require.NoError(t, err)
	return clip
}

func TestWatchIdle_LogsUnboundClip(t *testing.T) {
	var out syncBuffer
	engine := motion.NewEngine(motion.DefaultEngineConfig(), nil, zerolog.Nop())
	engine.BindSkeleton(testutil.HumanoidRig())

	path := filepath.Join(t.TempDir(), "idle.json")
	watcher := watchIdle(engine, loadClip(t, path, tailClip), path, motion.AmplifyConfig{}, zerolog.New(&out))
	require.NotNil(t, watcher)
	defer watcher.Close()

	assert.Contains(t, out.String(), "idle clip not applied")
	assert.Contains(t, out.String(), `"component":"motion"`)

	require.NoError(t, os.WriteFile(path, []byte(tailClip), 0644))
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("reloaded idle clip not applied"))
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchIdle_UnwatchablePath(t *testing.T) {
	var out syncBuffer
	engine := motion.NewEngine(motion.DefaultEngineConfig(), nil, zerolog.Nop())
	engine.BindSkeleton(testutil.HumanoidRig())

	dir := t.TempDir()
	clip := loadClip(t, filepath.Join(dir, "idle.json"), waveClip)
	missing := filepath.Join(dir, "gone", "idle.json")

	assert.Nil(t, watchIdle(engine, clip, missing, motion.AmplifyConfig{}, zerolog.New(&out)))
	assert.Contains(t, out.String(), "idle clip reload disabled")
	assert.NotContains(t, out.String(), "idle clip not applied")
}
