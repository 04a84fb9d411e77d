package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested state or object does not exist.
var ErrNotFound = errors.New("not found")

// ChangeFunc is called after a state has been written or deleted.
// st is nil for deletions.
type ChangeFunc func(id string, st *State)

// Store is the host state store: dotted hierarchical ids, each with an
// optional object definition and a current value carrying an ack flag.
type Store interface {
	// EnsureObject creates the object definition if it does not exist yet.
	EnsureObject(obj *Object) (created bool, err error)
	GetObject(id string) (*Object, error)
	ListObjects(prefix string) ([]*Object, error)

	GetState(id string) (*State, error)
	SetState(id string, val any, ack bool) error
	SetStateAt(id string, val any, ack bool, ts time.Time) error

	// SetStateChanged writes an acknowledged value only if it differs from
	// the stored one. Reports whether a write happened.
	SetStateChanged(id string, val any, ts time.Time) (bool, error)

	// AckState flips the ack flag of an existing state without changing its value.
	AckState(id string) error
	DeleteState(id string) error
	ListStates(prefix string) (map[string]*State, error)

	// OnChange registers a listener for every committed write.
	OnChange(fn ChangeFunc)

	Close() error
}
