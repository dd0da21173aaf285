package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversInOrder(t *testing.T) {
	b := NewEventBus()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	b.Subscribe(EventTypeTurnUpdated, func(e Event) {
		mu.Lock()
		got = append(got, e.Data["n"].(int))
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: EventTypeTurnUpdated, Data: map[string]any{"n": i}})
	}
	b.Publish(Event{Type: EventTypeLatency})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, time.Second, 5*time.Millisecond)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestEventBus_Filters(t *testing.T) {
	b := NewEventBus()

	all := make(chan EventType, 10)
	mic := make(chan EventType, 10)
	b.SubscribeAll(func(e Event) { all <- e.Type })
	b.SubscribeMultiple([]EventType{EventTypeMicStarted, EventTypeMicStopped}, func(e Event) { mic <- e.Type })

	b.Publish(Event{Type: EventTypeMicStarted})
	b.Publish(Event{Type: EventTypeReady})
	b.Publish(Event{Type: EventTypeMicStopped})
	b.Close()

	assert.Len(t, all, 3)
	assert.Equal(t, EventTypeMicStarted, <-mic)
	assert.Equal(t, EventTypeMicStopped, <-mic)
	assert.Empty(t, mic)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	b := NewEventBus()
	defer b.Close()

	var count int
	unsubscribe := b.Subscribe(EventTypeReady, func(Event) { count++ })

	b.Publish(Event{Type: EventTypeReady})
	unsubscribe()
	unsubscribe()
	b.Publish(Event{Type: EventTypeReady})

	assert.Equal(t, 1, count)
}

func TestEventBus_DropsWhenBacklogFull(t *testing.T) {
	b := NewEventBus()

	release := make(chan struct{})
	b.Subscribe(EventTypeLatency, func(Event) { <-release })

	for i := 0; i < queueSize+10; i++ {
		b.Publish(Event{Type: EventTypeLatency})
	}
	assert.GreaterOrEqual(t, b.Dropped(), int64(9))

	close(release)
	b.Close()
}
