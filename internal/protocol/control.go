package protocol

import (
	"encoding/json"
	"fmt"
)

// Control is an outbound control message kind.
type Control string

const (
	ControlPing   Control = "ping"
	ControlFlush  Control = "flush"
	ControlResume Control = "resume"
)

// Valid reports whether c is a known control kind.
func (c Control) Valid() bool {
	switch c {
	case ControlPing, ControlFlush, ControlResume:
		return true
	}
	return false
}

// EncodeControl renders {"type": c}.
func EncodeControl(c Control) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown control %q", string(c))
	}
	return json.Marshal(struct {
		Type Control `json:"type"`
	}{Type: c})
}
