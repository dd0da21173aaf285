package avatar

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpenness(t *testing.T) {
	c := NewController(DefaultLipSyncConfig())

	assert.Zero(t, c.Openness(0))
	assert.Zero(t, c.Openness(0.02))
	assert.InDelta(t, 0.48, c.Openness(0.1), 1e-9)
	assert.Equal(t, 1.0, c.Openness(0.5))
	assert.Zero(t, c.Openness(math.NaN()))
}

func TestFeedAudio_Smooths(t *testing.T) {
	c := NewController(DefaultLipSyncConfig())

	c.FeedAudio(0.5)
	assert.InDelta(t, 0.6, c.MouthOpen(), 1e-9)
	c.FeedAudio(0.5)
	assert.InDelta(t, 0.84, c.MouthOpen(), 1e-9)
	c.FeedAudio(0)
	assert.InDelta(t, 0.336, c.MouthOpen(), 1e-9)

	c.ResetAudio()
	assert.Zero(t, c.MouthOpen())
}

func TestFeedServer_DecaysToZero(t *testing.T) {
	c := NewController(DefaultLipSyncConfig())

	c.FeedServer(1)
	assert.InDelta(t, 0.5, c.GetState().ServerMouth, 1e-9)
	c.FeedServer(3)
	assert.InDelta(t, 0.75, c.GetState().ServerMouth, 1e-9)

	c.Decay()
	assert.InDelta(t, 0.675, c.GetState().ServerMouth, 1e-9)

	for i := 0; i < 100 && c.GetState().ServerMouth > 0; i++ {
		c.Decay()
	}
	assert.Zero(t, c.GetState().ServerMouth)
}

func TestMouthOpen_TakesLargerSource(t *testing.T) {
	s := State{AudioMouth: 0.2, ServerMouth: 0.7}
	assert.Equal(t, 0.7, s.MouthOpen())

	c := NewController(DefaultLipSyncConfig())
	c.FeedServer(0.8)
	exp := c.Expressions()
	assert.InDelta(t, 0.4, exp[ExpressionAa], 1e-9)
	assert.InDelta(t, 0.1, exp[ExpressionIh], 1e-9)
}

func TestSpeakingState(t *testing.T) {
	c := NewController(DefaultLipSyncConfig())
	var seen []State
	c.SetStateHandler(func(s State) { seen = append(seen, s) })

	c.StartSpeaking()
	c.FeedAudio(0.5)
	c.StartListening()
	c.StopSpeaking()

	st := c.GetState()
	assert.False(t, st.IsSpeaking)
	assert.True(t, st.IsListening)
	assert.Zero(t, st.AudioMouth)

	c.Reset()
	assert.Equal(t, State{}, c.GetState())
	assert.Len(t, seen, 4)
	assert.True(t, seen[0].IsSpeaking)
}

func TestRun_Decays(t *testing.T) {
	cfg := DefaultLipSyncConfig()
	cfg.DecayInterval = time.Millisecond
	c := NewController(cfg)
	c.FeedServer(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Eventually(t, func() bool { return c.MouthOpen() == 0 }, 2*time.Second, 5*time.Millisecond)
}
