// Package optimistic implements local-first mutations: a change is applied
// and announced before the server confirms it, and rolled back if the server
// refuses.
package optimistic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"CovesClient/internal/core/observe"
	"CovesClient/internal/telemetry"
)

// ErrReset is returned for a mutation whose response arrived after Reset.
// Its result was discarded.
var ErrReset = errors.New("state was reset while the mutation was in flight")

// Transition is the local change a plan computes from the previous state.
type Transition[S any] struct {
	Next S
	// Present is false when the transition removes the key.
	Present bool
	// Delta is added to the key's numeric adjustment.
	Delta int
}

// Result reports the state after a mutation.
type Result[S any] struct {
	State   S
	Present bool
	// Suppressed is true when a mutation for the key was already in flight
	// and no request was made. State is then the last committed state.
	Suppressed bool
}

// Change is delivered to subscribers whenever a key's state or adjustment
// changes.
type Change[S any] struct {
	State      S
	Key        string
	Present    bool
	Adjustment int
}

// Options configures a Mutator.
type Options struct {
	Logger *slog.Logger
	Sink   telemetry.Sink
	// Op names the mutation in logs and telemetry.
	Op string
}

type entry[S any] struct {
	state   S
	present bool
}

// Mutator tracks optimistic state per key. The zero value is not usable;
// use New.
type Mutator[S any] struct {
	logger      *slog.Logger
	sink        telemetry.Sink
	states      map[string]entry[S]
	adjustments map[string]int
	// pending holds the committed state of keys with a mutation in flight.
	pending     map[string]entry[S]
	notifier    observe.Notifier[Change[S]]
	op          string
	epoch       uint64
	mu          sync.Mutex
}

// New creates an empty Mutator.
func New[S any](opts Options) *Mutator[S] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	return &Mutator[S]{
		logger:      opts.Logger,
		sink:        opts.Sink,
		op:          opts.Op,
		states:      make(map[string]entry[S]),
		adjustments: make(map[string]int),
		pending:     make(map[string]entry[S]),
	}
}

// Subscribe registers fn for state changes. Notifications run synchronously
// on the goroutine that made the change.
func (m *Mutator[S]) Subscribe(fn func(Change[S])) (unsubscribe func()) {
	return m.notifier.Subscribe(fn)
}

// Get returns the local state for key.
func (m *Mutator[S]) Get(key string) (S, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.states[key]
	return e.state, ok && e.present
}

// Adjustment returns the local numeric adjustment for key.
func (m *Mutator[S]) Adjustment(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustments[key]
}

// Pending reports whether a mutation for key is in flight.
func (m *Mutator[S]) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

// Mutate applies plan locally, then runs commit. commit returns the state
// the server confirmed (present=false for removal). On failure the previous
// state and adjustment are restored and the error is returned.
func (m *Mutator[S]) Mutate(
	ctx context.Context,
	key string,
	plan func(prev S, ok bool) Transition[S],
	commit func(ctx context.Context) (S, bool, error),
) (Result[S], error) {
	m.mu.Lock()
	if e, ok := m.pending[key]; ok {
		m.mu.Unlock()
		m.logger.Debug("mutation already in flight, suppressing", "op", m.op, "key", key)
		return Result[S]{State: e.state, Present: e.present, Suppressed: true}, nil
	}

	prev, hadPrev := m.states[key]
	prevAdj, hadAdj := m.adjustments[key]

	t := plan(prev.state, hadPrev && prev.present)
	m.setLocked(key, t.Next, t.Present)
	if t.Delta != 0 {
		m.adjustments[key] = prevAdj + t.Delta
	}
	m.pending[key] = entry[S]{state: prev.state, present: hadPrev && prev.present}
	epoch := m.epoch
	optimistic := m.changeLocked(key)
	m.mu.Unlock()

	m.notifier.Notify(optimistic)

	confirmed, present, err := commit(ctx)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Debug("discarding mutation result after reset", "op", m.op, "key", key)
		return Result[S]{}, ErrReset
	}
	delete(m.pending, key)

	if err != nil {
		if hadPrev {
			m.states[key] = prev
		} else {
			delete(m.states, key)
		}
		if hadAdj {
			m.adjustments[key] = prevAdj
		} else {
			delete(m.adjustments, key)
		}
		rolledBack := m.changeLocked(key)
		m.mu.Unlock()

		m.logger.Warn("mutation failed, rolled back", "op", m.op, "key", key, "error", err)
		m.sink.RecordRollback(m.op)
		m.sink.ReportError(ctx, m.op, err)
		m.notifier.Notify(rolledBack)
		return Result[S]{State: prev.state, Present: hadPrev && prev.present}, err
	}

	m.setLocked(key, confirmed, present)
	final := m.changeLocked(key)
	m.mu.Unlock()

	m.notifier.Notify(final)
	return Result[S]{State: confirmed, Present: present}, nil
}

// ApplyServerState records authoritative state fetched from the server and
// clears the key's adjustment, since the server's counts already include it.
// Keys with a mutation in flight are left alone. It reports whether the
// state was applied.
func (m *Mutator[S]) ApplyServerState(key string, state S, present bool) bool {
	m.mu.Lock()
	if _, ok := m.pending[key]; ok {
		m.mu.Unlock()
		return false
	}
	m.setLocked(key, state, present)
	delete(m.adjustments, key)
	ch := m.changeLocked(key)
	m.mu.Unlock()

	m.notifier.Notify(ch)
	return true
}

// Reset forgets all state. Mutations in flight finish with ErrReset.
func (m *Mutator[S]) Reset() {
	m.mu.Lock()
	m.states = make(map[string]entry[S])
	m.adjustments = make(map[string]int)
	m.pending = make(map[string]entry[S])
	m.epoch++
	m.mu.Unlock()
}

// Keys returns the keys with present state.
func (m *Mutator[S]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.states))
	for k, e := range m.states {
		if e.present {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *Mutator[S]) setLocked(key string, state S, present bool) {
	if present {
		m.states[key] = entry[S]{state: state, present: true}
		return
	}
	delete(m.states, key)
}

func (m *Mutator[S]) changeLocked(key string) Change[S] {
	e := m.states[key]
	return Change[S]{Key: key, State: e.state, Present: e.present, Adjustment: m.adjustments[key]}
}
