// Package turns folds transcript and token events into ordered
// conversation turns.
package turns

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the progress of a turn. It only moves forward.
type Status int

const (
	StatusListening Status = iota
	StatusResponding
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusListening:
		return "listening"
	case StatusResponding:
		return "responding"
	case StatusDone:
		return "done"
	}
	return "unknown"
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChatTurn is one user utterance and the assistant's reply.
type ChatTurn struct {
	ID            string    `json:"id"`
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
}

// Latency is the latest per-stage timing in milliseconds.
type Latency struct {
	STT *float64 `json:"stt,omitempty"`
	LLM *float64 `json:"llm,omitempty"`
	TTS *float64 `json:"tts,omitempty"`
}

// Aggregator holds the turns of one session. Turns are keyed by id,
// appended on first sight and updated in place afterwards.
type Aggregator struct {
	mu        sync.RWMutex
	turns     []ChatTurn
	index     map[string]int
	currentID string
	partial   string
	latency   Latency

	newID func() string
	now   func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		index: make(map[string]int),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// ensureTurnIDLocked picks the id an event applies to: the given id, else
// the turn in flight, else a new one.
func (a *Aggregator) ensureTurnIDLocked(id string) string {
	if id != "" {
		a.currentID = id
		return id
	}
	if a.currentID == "" {
		a.currentID = a.newID()
	}
	return a.currentID
}

func (a *Aggregator) upsertLocked(id string, apply func(t *ChatTurn)) ChatTurn {
	i, ok := a.index[id]
	if !ok {
		a.turns = append(a.turns, ChatTurn{ID: id, Status: StatusListening, StartedAt: a.now()})
		i = len(a.turns) - 1
		a.index[id] = i
	}
	t := &a.turns[i]
	apply(t)
	return *t
}

func advance(t *ChatTurn, s Status) {
	if s > t.Status {
		t.Status = s
	}
}

// Partial replaces the live transcript. Turns are not touched.
func (a *Aggregator) Partial(text string) {
	a.mu.Lock()
	a.partial = text
	a.mu.Unlock()
}

// Final records the user's utterance and moves the turn to responding.
// An empty text keeps what the turn already has.
func (a *Aggregator) Final(turnID, text string, stt *float64) ChatTurn {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.ensureTurnIDLocked(turnID)
	a.partial = ""
	if stt != nil {
		a.latency.STT = stt
	}
	return a.upsertLocked(id, func(t *ChatTurn) {
		if text != "" {
			t.UserText = text
		}
		advance(t, StatusResponding)
	})
}

// Token appends a streamed token to the assistant text.
func (a *Aggregator) Token(turnID, token string) ChatTurn {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.ensureTurnIDLocked(turnID)
	return a.upsertLocked(id, func(t *ChatTurn) {
		t.AssistantText += token
		advance(t, StatusResponding)
	})
}

// Done replaces the accumulated assistant text with the authoritative
// one and completes the turn.
func (a *Aggregator) Done(turnID, assistantText string, stt, llm *float64) ChatTurn {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.ensureTurnIDLocked(turnID)
	if stt != nil {
		a.latency.STT = stt
	}
	if llm != nil {
		a.latency.LLM = llm
	}
	return a.upsertLocked(id, func(t *ChatTurn) {
		if assistantText != "" {
			t.AssistantText = assistantText
		}
		advance(t, StatusDone)
	})
}

// SpeechLatency records the timings reported at the end of speech.
func (a *Aggregator) SpeechLatency(llm, tts *float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if llm != nil {
		a.latency.LLM = llm
	}
	if tts != nil {
		a.latency.TTS = tts
	}
}

// Turns returns a copy of the turns in arrival order.
func (a *Aggregator) Turns() []ChatTurn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ChatTurn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Turn returns the turn with id.
func (a *Aggregator) Turn(id string) (ChatTurn, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[id]
	if !ok {
		return ChatTurn{}, false
	}
	return a.turns[i], true
}

// PartialText returns the live transcript.
func (a *Aggregator) PartialText() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.partial
}

// Latency returns the latest stage timings.
func (a *Aggregator) Latency() Latency {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latency
}

// ActiveTurnID returns the id of the turn in flight, if any.
func (a *Aggregator) ActiveTurnID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentID
}

// EndSession forgets the turn in flight. Turns are kept.
func (a *Aggregator) EndSession() {
	a.mu.Lock()
	a.currentID = ""
	a.partial = ""
	a.mu.Unlock()
}

// Reset drops all turns, as on a new session.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = nil
	a.index = make(map[string]int)
	a.currentID = ""
	a.partial = ""
	a.latency = Latency{}
}
