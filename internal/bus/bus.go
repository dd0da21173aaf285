// Package bus carries UI-facing notifications from the engine: session
// state, turns, playback, motion and mic changes.
package bus

import (
	"sync"
	"sync/atomic"
)

// EventType identifies different event types
type EventType string

const (
	// Session events
	EventTypeSessionState EventType = "session.state"
	EventTypeReady        EventType = "session.ready"
	EventTypeServerError  EventType = "session.server_error"
	EventTypeLatency      EventType = "session.latency"

	// Conversation events
	EventTypePartialTranscript EventType = "turn.partial"
	EventTypeTurnUpdated       EventType = "turn.updated"

	// Audio events
	EventTypeAudioStateChanged EventType = "audio.state_changed"
	EventTypeSpeechBuffered    EventType = "audio.speech_buffered"
	EventTypeDecodeFailed      EventType = "audio.decode_failed"

	// Motion events
	EventTypeMotionPlayed   EventType = "motion.played"
	EventTypeMotionRejected EventType = "motion.rejected"

	// Mic events
	EventTypeMicStarted EventType = "mic.started"
	EventTypeMicStopped EventType = "mic.stopped"
)

// queueSize bounds the backlog of one subscriber.
const queueSize = 256

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

type subscriber struct {
	types   map[EventType]bool // nil matches every type
	handler Handler
	queue   chan Event
	done    chan struct{}
}

func (s *subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

func (s *subscriber) run() {
	defer close(s.done)
	for e := range s.queue {
		s.handler(e)
	}
}

// EventBus fans events out to subscribers. Each subscriber has its own
// goroutine and sees events in publish order. Publish never blocks: a
// subscriber whose backlog is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64

	dropped atomic.Int64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]*subscriber)}
}

func (b *EventBus) add(types map[EventType]bool, handler Handler) func() {
	s := &subscriber{
		types:   types,
		handler: handler,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go s.run()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		close(s.queue)
		<-s.done
	}
}

// Subscribe adds a handler for an event type. The returned function
// unsubscribes and waits for queued events to be handled.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	return b.add(map[EventType]bool{eventType: true}, handler)
}

// SubscribeMultiple adds one handler for several event types.
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) func() {
	types := make(map[EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		types[et] = true
	}
	return b.add(types, handler)
}

// SubscribeAll adds a handler for every event type.
func (b *EventBus) SubscribeAll(handler Handler) func() {
	return b.add(nil, handler)
}

// Publish queues event for every matching subscriber.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.queue <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped on full backlogs.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone after their queued events are handled.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
}
