// Package protocol defines the session wire format: JSON text frames
// tagged by "type" and outbound control messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/normanking/cortexvrm/internal/motion"
)

// Type tags an inbound event.
type Type string

const (
	TypeReady             Type = "ready"
	TypePartialTranscript Type = "partial_transcript"
	TypeFinalTranscript   Type = "final_transcript"
	TypeToken             Type = "llm_token"
	TypeDone              Type = "llm_done"
	TypeTTSStart          Type = "tts_start"
	TypeTTSEnd            Type = "tts_end"
	TypeAssistantMotion   Type = "assistant_motion"
	TypeAvatarEvent       Type = "avatar_event"
	TypeError             Type = "error"
	TypePong              Type = "pong"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrMissingType = errors.New("frame has no type")
)

// Event is one decoded inbound frame. The concrete types below are the
// complete set; Unknown carries anything else.
type Event interface {
	Type() Type
}

// Latency holds per-stage timings in milliseconds. Absent stages are nil.
type Latency struct {
	STT *float64 `json:"stt,omitempty"`
	LLM *float64 `json:"llm,omitempty"`
	TTS *float64 `json:"tts,omitempty"`
}

// Empty reports whether no stage is set.
func (l *Latency) Empty() bool {
	return l == nil || (l.STT == nil && l.LLM == nil && l.TTS == nil)
}

type Ready struct {
	SessionID string
}

type PartialTranscript struct {
	Text string
}

type FinalTranscript struct {
	TurnID  string
	Text    string
	Latency *Latency
}

type Token struct {
	TurnID string
	Token  string
}

type Done struct {
	TurnID        string
	AssistantText string
	Latency       *Latency
}

type TTSStart struct {
	TurnID     string
	SampleRate int
	Channels   int
}

type TTSEnd struct {
	TurnID  string
	Latency *Latency
}

type AssistantMotion struct {
	TurnID string
	Motion *motion.Payload
}

// AvatarEvent carries server-driven avatar hints. MouthOpen is nil when
// the frame has no numeric mouth_open.
type AvatarEvent struct {
	MouthOpen *float64
}

type Error struct {
	Message     string
	Recoverable bool
}

type Pong struct{}

// Unknown is a well-formed frame with an unrecognised type.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (Ready) Type() Type             { return TypeReady }
func (PartialTranscript) Type() Type { return TypePartialTranscript }
func (FinalTranscript) Type() Type   { return TypeFinalTranscript }
func (Token) Type() Type             { return TypeToken }
func (Done) Type() Type              { return TypeDone }
func (TTSStart) Type() Type          { return TypeTTSStart }
func (TTSEnd) Type() Type            { return TypeTTSEnd }
func (AssistantMotion) Type() Type   { return TypeAssistantMotion }
func (AvatarEvent) Type() Type       { return TypeAvatarEvent }
func (Error) Type() Type             { return TypeError }
func (Pong) Type() Type              { return TypePong }
func (u Unknown) Type() Type         { return Type(u.Kind) }

// number accepts a JSON number or a numeric string.
type number struct {
	value float64
	set   bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if err := json.Unmarshal(b, &n.value); err == nil {
		n.set = true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		n.value, n.set = f, true
	}
	return nil
}

func (n number) ptr() *float64 {
	if !n.set {
		return nil
	}
	v := n.value
	return &v
}

// lenientString accepts a JSON string, or a number or bool rendered as
// text. Other values decode as empty.
type lenientString string

func (s *lenientString) UnmarshalJSON(b []byte) error {
	var str string
	if json.Unmarshal(b, &str) == nil {
		*s = lenientString(str)
		return nil
	}
	var f float64
	if json.Unmarshal(b, &f) == nil {
		*s = lenientString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	var v bool
	if json.Unmarshal(b, &v) == nil {
		*s = lenientString(strconv.FormatBool(v))
	}
	return nil
}

// lenientBool accepts a JSON bool, a boolean string or a number.
type lenientBool bool

func (v *lenientBool) UnmarshalJSON(b []byte) error {
	var x bool
	if json.Unmarshal(b, &x) == nil {
		*v = lenientBool(x)
		return nil
	}
	var s string
	if json.Unmarshal(b, &s) == nil {
		x, _ = strconv.ParseBool(strings.TrimSpace(s))
		*v = lenientBool(x)
		return nil
	}
	var f float64
	if json.Unmarshal(b, &f) == nil {
		*v = f != 0
	}
	return nil
}

type wireLatency struct {
	STT number `json:"stt"`
	LLM number `json:"llm"`
	TTS number `json:"tts"`
}

// UnmarshalJSON ignores latency values that are not objects.
func (w *wireLatency) UnmarshalJSON(b []byte) error {
	type plain wireLatency
	var p plain
	if json.Unmarshal(b, &p) == nil {
		*w = wireLatency(p)
	}
	return nil
}

func (w *wireLatency) toLatency() *Latency {
	if w == nil {
		return nil
	}
	l := &Latency{STT: w.STT.ptr(), LLM: w.LLM.ptr(), TTS: w.TTS.ptr()}
	if l.Empty() {
		return nil
	}
	return l
}

// frame is the union of all inbound fields. Everything but the type is
// decoded leniently so one odd field does not drop the frame.
type frame struct {
	Type          string        `json:"type"`
	SessionID     lenientString `json:"session_id"`
	TurnID        lenientString `json:"turn_id"`
	Text          lenientString `json:"text"`
	Token         lenientString `json:"token"`
	AssistantText lenientString `json:"assistant_text"`
	SampleRate    number        `json:"sample_rate"`
	Channels      number        `json:"channels"`
	MouthOpen     number        `json:"mouth_open"`
	Message       lenientString `json:"message"`
	Recoverable   lenientBool   `json:"recoverable"`
	Latency       *wireLatency  `json:"latency_ms"`
}

// Decode parses one text frame. Non-JSON input yields ErrMalformed and a
// frame without a type yields ErrMissingType.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}

	turnID := string(f.TurnID)
	switch Type(f.Type) {
	case TypeReady:
		return Ready{SessionID: string(f.SessionID)}, nil
	case TypePartialTranscript:
		return PartialTranscript{Text: string(f.Text)}, nil
	case TypeFinalTranscript:
		return FinalTranscript{TurnID: turnID, Text: string(f.Text), Latency: f.Latency.toLatency()}, nil
	case TypeToken:
		return Token{TurnID: turnID, Token: string(f.Token)}, nil
	case TypeDone:
		return Done{TurnID: turnID, AssistantText: string(f.AssistantText), Latency: f.Latency.toLatency()}, nil
	case TypeTTSStart:
		return TTSStart{TurnID: turnID, SampleRate: positiveInt(f.SampleRate), Channels: positiveInt(f.Channels)}, nil
	case TypeTTSEnd:
		return TTSEnd{TurnID: turnID, Latency: f.Latency.toLatency()}, nil
	case TypeAssistantMotion:
		var p motion.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: assistant_motion: %v", ErrMalformed, err)
		}
		return AssistantMotion{TurnID: turnID, Motion: &p}, nil
	case TypeAvatarEvent:
		return AvatarEvent{MouthOpen: f.MouthOpen.ptr()}, nil
	case TypeError:
		return Error{Message: string(f.Message), Recoverable: bool(f.Recoverable)}, nil
	case TypePong:
		return Pong{}, nil
	}
	return Unknown{Kind: f.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// positiveInt returns 0 for missing or non-positive values so callers
// apply their own defaults.
func positiveInt(n number) int {
	if !n.set || n.value <= 0 {
		return 0
	}
	return int(n.value)
}
