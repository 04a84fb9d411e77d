// Package debounce turns momentary device events into held boolean states
// that clear themselves after a quiet period.
package debounce

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Raise after Shutdown.
var ErrClosed = errors.New("debouncer closed")

// Key addresses one held state.
type Key struct {
	Entity string
	Kind   string
}

// Sink persists held states. Implementations must not call back into the
// Debouncer.
type Sink interface {
	SetFlag(entity, kind string, value bool) error
	// ListRaised returns every persisted (entity, kind) pair among kinds
	// whose value is currently true.
	ListRaised(kinds []string) ([]Key, error)
}

// Timer is the subset of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type entry struct {
	timer    Timer
	gen      uint64
	deadline time.Time
}

// Debouncer owns one clear timer per (entity, kind).
type Debouncer struct {
	sink      Sink
	logger    *slog.Logger
	afterFunc AfterFunc
	now       func() time.Time

	mu     sync.Mutex
	timers map[Key]*entry
	gen    uint64
	closed bool
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock replaces the timer source, for tests.
func WithClock(now func() time.Time, after AfterFunc) Option {
	return func(d *Debouncer) {
		d.now = now
		d.afterFunc = after
	}
}

func New(sink Sink, logger *slog.Logger, opts ...Option) *Debouncer {
	d := &Debouncer{
		sink:      sink,
		logger:    logger.With("component", "debounce"),
		afterFunc: realAfterFunc,
		now:       time.Now,
		timers:    make(map[Key]*entry),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Raise sets (entity, kind) to true and (re)arms its clear timer for hold
// from now, replacing any timer already armed for the same key.
func (d *Debouncer) Raise(entity, kind string, hold time.Duration) error {
	k := Key{entity, kind}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	// A failed write keeps the armed timer, so a raised state still clears.
	if err := d.sink.SetFlag(entity, kind, true); err != nil {
		return err
	}
	if e, ok := d.timers[k]; ok {
		e.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.timers[k] = &entry{
		timer:    d.afterFunc(hold, func() { d.fire(k, gen) }),
		gen:      gen,
		deadline: d.now().Add(hold),
	}
	d.logger.Debug("raised", "serial", entity, "kind", kind, "hold", hold)
	return nil
}

func (d *Debouncer) fire(k Key, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.timers[k]
	if !ok || e.gen != gen {
		return // superseded or cancelled
	}
	delete(d.timers, k)
	if err := d.sink.SetFlag(k.Entity, k.Kind, false); err != nil {
		d.logger.Error("clear state", "serial", k.Entity, "kind", k.Kind, "err", err)
	}
}

// CancelAll stops the timers of entity (all entities when empty) without
// writing a final value.
func (d *Debouncer) CancelAll(entity string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked(entity)
}

func (d *Debouncer) cancelLocked(entity string) int {
	n := 0
	for k, e := range d.timers {
		if entity != "" && k.Entity != entity {
			continue
		}
		e.timer.Stop()
		delete(d.timers, k)
		n++
	}
	return n
}

// SelfHeal forces every persisted true value among kinds to false. It
// repairs state left behind by an unclean exit and must run before any
// event is raised.
func (d *Debouncer) SelfHeal(kinds []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearRaisedLocked(kinds)
}

func (d *Debouncer) clearRaisedLocked(kinds []string) (int, error) {
	keys, err := d.sink.ListRaised(kinds)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if _, armed := d.timers[k]; armed {
			continue
		}
		if err := d.sink.SetFlag(k.Entity, k.Kind, false); err != nil {
			d.logger.Warn("reset lingering state", "serial", k.Entity, "kind", k.Kind, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		d.logger.Info("reset lingering event states", "count", n)
	}
	return n, nil
}

// Shutdown cancels every timer and forces every held state among kinds to
// false. Raise fails with ErrClosed afterwards.
func (d *Debouncer) Shutdown(kinds []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	for k, e := range d.timers {
		e.timer.Stop()
		delete(d.timers, k)
		if err := d.sink.SetFlag(k.Entity, k.Kind, false); err != nil {
			d.logger.Warn("clear state on shutdown", "serial", k.Entity, "kind", k.Kind, "err", err)
		}
	}
	_, err := d.clearRaisedLocked(kinds)
	return err
}

// Pending reports whether a clear timer is armed for (entity, kind) and
// when it fires.
func (d *Debouncer) Pending(entity, kind string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.timers[Key{entity, kind}]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of armed timers.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
