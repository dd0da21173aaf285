package turns

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator() *Aggregator {
	a := NewAggregator()
	n := 0
	a.newID = func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	return a
}

func ms(v float64) *float64 { return &v }

func TestAggregator_TurnLifecycle(t *testing.T) {
	a := newTestAggregator()

	a.Partial("hel")
	assert.Equal(t, "hel", a.PartialText())

	turn := a.Final("t1", "hello", ms(120))
	assert.Equal(t, StatusResponding, turn.Status)
	assert.Equal(t, "hello", turn.UserText)
	assert.Empty(t, a.PartialText())

	a.Token("t1", "Hi")
	a.Token("t1", " there")
	turn, ok := a.Turn("t1")
	require.True(t, ok)
	assert.Equal(t, "Hi there", turn.AssistantText)

	turn = a.Done("t1", "Hi there!", nil, ms(450))
	assert.Equal(t, StatusDone, turn.Status)
	assert.Equal(t, "Hi there!", turn.AssistantText)

	assert.Len(t, a.Turns(), 1)
	lat := a.Latency()
	assert.Equal(t, 120.0, *lat.STT)
	assert.Equal(t, 450.0, *lat.LLM)
	assert.Nil(t, lat.TTS)
}

func TestAggregator_StatusNeverRegresses(t *testing.T) {
	a := newTestAggregator()

	a.Done("t1", "answer", nil, nil)
	turn := a.Final("t1", "late question", nil)
	assert.Equal(t, StatusDone, turn.Status)
	assert.Equal(t, "late question", turn.UserText)

	turn = a.Token("t1", "!")
	assert.Equal(t, StatusDone, turn.Status)
	assert.Equal(t, "answer!", turn.AssistantText)
}

func TestAggregator_UpsertIsIdempotent(t *testing.T) {
	a := newTestAggregator()

	a.Final("t1", "hello", nil)
	a.Final("t1", "hello", nil)
	a.Final("t1", "", nil)
	a.Done("t1", "", nil, nil)

	turns := a.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].UserText)
	assert.Equal(t, time.Unix(1700000000, 0), turns[0].StartedAt)
}

func TestAggregator_SynthesizesMissingIDs(t *testing.T) {
	a := newTestAggregator()

	first := a.Final("", "what time is it", nil)
	assert.Equal(t, "local-1", first.ID)
	a.Token("", "Noon")
	assert.Equal(t, "local-1", a.ActiveTurnID())

	a.EndSession()
	assert.Empty(t, a.ActiveTurnID())

	second := a.Final("", "thanks", nil)
	assert.Equal(t, "local-2", second.ID)

	a.Final("t9", "server id", nil)
	turns := a.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"local-1", "local-2", "t9"}, []string{turns[0].ID, turns[1].ID, turns[2].ID})
	assert.Equal(t, "Noon", turns[0].AssistantText)
}

func TestAggregator_SpeechLatencyAndReset(t *testing.T) {
	a := newTestAggregator()
	a.SpeechLatency(nil, ms(80))
	assert.Equal(t, 80.0, *a.Latency().TTS)

	a.Final("t1", "x", nil)
	a.Reset()
	assert.Empty(t, a.Turns())
	assert.Equal(t, Latency{}, a.Latency())
	_, ok := a.Turn("t1")
	assert.False(t, ok)
}

func TestChatTurn_JSON(t *testing.T) {
	data, err := json.Marshal(ChatTurn{ID: "t1", Status: StatusResponding})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"responding"`)
	assert.Equal(t, "unknown", Status(7).String())
}
