package store

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Object types.
const (
	TypeBoolean = "boolean"
	TypeNumber  = "number"
	TypeString  = "string"
)

// Object describes a state: its display name, value type and whether the
// host may write it.
type Object struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Role   string            `json:"role,omitempty"`
	Read   bool              `json:"read"`
	Write  bool              `json:"write"`
	States map[string]string `json:"states,omitempty"`
}

// State is the current value of an id.
type State struct {
	Val any       `json:"val"`
	Ack bool      `json:"ack"`
	TS  time.Time `json:"ts"`
	LC  time.Time `json:"lc"` // last time the value changed
}

// Bool returns the value as a boolean. Numbers are true when non-zero and
// strings when "1" or "true".
func (s *State) Bool() bool {
	if s == nil {
		return false
	}
	switch v := s.Val.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	}
	return false
}

// Number returns the value as float64.
func (s *State) Number() (float64, bool) {
	if s == nil {
		return 0, false
	}
	switch v := s.Val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	}
	return 0, false
}

// sameValue compares two values by their JSON encoding, which is how
// they are persisted.
func sameValue(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
