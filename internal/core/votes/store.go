// Package votes keeps the signed-in user's votes and applies them
// optimistically: a toggle shows up in scores immediately and is rolled back
// if the server refuses it.
package votes

import (
	"context"
	"log/slog"

	"CovesClient/internal/atproto/utils"
	"CovesClient/internal/core/optimistic"
	"CovesClient/internal/telemetry"
)

// Backend sends a vote toggle to the server and returns the confirmed state.
// prev is the local state before the toggle; ok is false if there was none.
type Backend interface {
	Toggle(ctx context.Context, subject StrongRef, dir Direction, prev VoteState, ok bool) (VoteState, bool, error)
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
	Sink   telemetry.Sink
}

// Store holds vote state keyed by subject AT-URI.
type Store struct {
	backend Backend
	votes   *optimistic.Mutator[VoteState]
	logger  *slog.Logger
}

// NewStore creates a Store that commits toggles through backend.
func NewStore(backend Backend, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  opts.Logger,
		votes: optimistic.New[VoteState](optimistic.Options{
			Logger: opts.Logger,
			Sink:   opts.Sink,
			Op:     "vote.toggle",
		}),
	}
}

// Toggle votes dir on subject, or removes the vote if it already points in
// dir. It reports whether a vote is active afterwards. While a toggle for the
// same subject is in flight, further calls report the last committed state
// without a request.
func (s *Store) Toggle(ctx context.Context, subject StrongRef, dir Direction) (bool, error) {
	if _, err := ParseDirection(string(dir)); err != nil {
		return false, err
	}
	if err := subject.Validate(); err != nil {
		return false, err
	}

	var prev VoteState
	var hadPrev bool
	plan := func(p VoteState, ok bool) optimistic.Transition[VoteState] {
		prev, hadPrev = p, ok
		return transition(p, ok, dir)
	}
	commit := func(ctx context.Context) (VoteState, bool, error) {
		return s.backend.Toggle(ctx, subject, dir, prev, hadPrev)
	}

	res, err := s.votes.Mutate(ctx, subject.URI, plan, commit)
	if err != nil {
		return res.Present && res.State.Active(), err
	}
	if res.Suppressed {
		s.logger.Debug("vote toggle suppressed, request in flight", "subject", subject.URI)
	}
	return res.Present && res.State.Active(), nil
}

// transition computes the local toggle. Switching direction moves the score
// by two.
func transition(prev VoteState, ok bool, dir Direction) optimistic.Transition[VoteState] {
	switch {
	case ok && !prev.Deleted && prev.Direction == dir:
		off := prev
		off.Deleted = true
		return optimistic.Transition[VoteState]{Next: off, Present: true, Delta: -dir.Value()}
	case ok && !prev.Deleted && prev.Direction != "":
		return optimistic.Transition[VoteState]{
			Next:    VoteState{Direction: dir},
			Present: true,
			Delta:   dir.Value() - prev.Direction.Value(),
		}
	default:
		return optimistic.Transition[VoteState]{Next: VoteState{Direction: dir}, Present: true, Delta: dir.Value()}
	}
}

// State returns the local vote for subjectURI.
func (s *Store) State(subjectURI string) (VoteState, bool) {
	return s.votes.Get(subjectURI)
}

// Direction returns the active vote direction for subjectURI, or "".
func (s *Store) Direction(subjectURI string) Direction {
	v, ok := s.votes.Get(subjectURI)
	if !ok || !v.Active() {
		return ""
	}
	return v.Direction
}

// Adjustment is the score delta from local toggles the server's counts do
// not reflect yet.
func (s *Store) Adjustment(subjectURI string) int {
	return s.votes.Adjustment(subjectURI)
}

// Score returns serverScore corrected by the local adjustment.
func (s *Store) Score(subjectURI string, serverScore int) int {
	return serverScore + s.votes.Adjustment(subjectURI)
}

// Pending reports whether a toggle for subjectURI is in flight.
func (s *Store) Pending(subjectURI string) bool {
	return s.votes.Pending(subjectURI)
}

// ApplyViewer records the vote the server reports for the viewer. A nil
// viewer or empty vote means the server has no vote, and any local vote is
// dropped. The score adjustment for the subject is cleared either way.
func (s *Store) ApplyViewer(subjectURI string, viewer *Viewer) {
	if viewer == nil || viewer.Vote == "" {
		s.votes.ApplyServerState(subjectURI, VoteState{}, false)
		return
	}
	dir, err := ParseDirection(viewer.Vote)
	if err != nil {
		s.logger.Warn("ignoring viewer vote with unknown direction", "subject", subjectURI, "vote", viewer.Vote)
		return
	}
	s.votes.ApplyServerState(subjectURI, VoteState{
		Direction: dir,
		URI:       viewer.VoteURI,
		RKey:      utils.ExtractRKeyFromURI(viewer.VoteURI),
	}, true)
}

// Subscribe registers fn for vote changes.
func (s *Store) Subscribe(fn func(optimistic.Change[VoteState])) (unsubscribe func()) {
	return s.votes.Subscribe(fn)
}

// Reset forgets every vote. Toggles in flight are discarded when they
// complete.
func (s *Store) Reset() {
	s.votes.Reset()
}
