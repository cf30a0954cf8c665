package votes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"CovesClient/internal/atproto/pds"
	"CovesClient/internal/atproto/utils"
)

const listPageSize = 100

// PDSBackend writes vote records straight to the user's repository instead
// of going through the AppView.
type PDSBackend struct {
	client pds.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewPDSBackend creates a backend over client.
func NewPDSBackend(client pds.Client, logger *slog.Logger) *PDSBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDSBackend{client: client, logger: logger, now: time.Now}
}

// Toggle implements Backend:
//   - no existing vote: create a record
//   - existing vote in the same direction: delete it
//   - existing vote in the other direction: delete it, then create a new one
func (b *PDSBackend) Toggle(ctx context.Context, subject StrongRef, dir Direction, prev VoteState, ok bool) (VoteState, bool, error) {
	existing, err := b.findExisting(ctx, subject.URI, prev, ok)
	if err != nil {
		return VoteState{}, false, fmt.Errorf("failed to check existing vote: %w", err)
	}

	if existing != nil {
		if err := b.client.DeleteRecord(ctx, Collection, existing.RKey); err != nil {
			b.logger.Error("failed to delete vote on PDS",
				"error", err,
				"voter", b.client.DID(),
				"rkey", existing.RKey)
			return VoteState{}, false, err
		}
		if existing.Direction == dir {
			b.logger.Info("vote toggled off",
				"voter", b.client.DID(),
				"subject", subject.URI,
				"direction", dir)
			return VoteState{Direction: dir, Deleted: true}, true, nil
		}
		b.logger.Debug("deleted existing vote before creating new direction",
			"subject", subject.URI,
			"old_direction", existing.Direction,
			"new_direction", dir)
	}

	rkey := syntax.NewTIDNow(0).String()
	record := VoteRecord{
		Type:      Collection,
		Subject:   subject,
		Direction: string(dir),
		CreatedAt: b.now().UTC().Format(time.RFC3339),
	}
	uri, _, err := b.client.CreateRecord(ctx, Collection, rkey, record)
	if err != nil {
		b.logger.Error("failed to create vote on PDS",
			"error", err,
			"voter", b.client.DID(),
			"subject", subject.URI,
			"direction", dir)
		return VoteState{}, false, err
	}
	return VoteState{Direction: dir, URI: uri, RKey: rkey}, true, nil
}

// findExisting uses the confirmed local state when it names a record and
// falls back to scanning the repository.
func (b *PDSBackend) findExisting(ctx context.Context, subjectURI string, prev VoteState, ok bool) (*VoteState, error) {
	if ok && prev.Active() && prev.RKey != "" {
		return &prev, nil
	}

	var found *VoteState
	err := eachVoteRecord(ctx, b.client, func(subject string, v VoteState) bool {
		if subject == subjectURI {
			found = &v
			return false
		}
		return true
	})
	return found, err
}

// HydrateFromPDS loads every vote record from the user's repository into the
// store as authoritative state.
func (s *Store) HydrateFromPDS(ctx context.Context, client pds.Client) (int, error) {
	s.logger.Debug("fetching votes from PDS", "user", client.DID(), "pds", client.HostURL())

	count := 0
	err := eachVoteRecord(ctx, client, func(subject string, v VoteState) bool {
		s.votes.ApplyServerState(subject, v, true)
		count++
		return true
	})
	if err != nil {
		return count, fmt.Errorf("failed to fetch votes from PDS: %w", err)
	}

	s.logger.Info("votes hydrated from PDS", "user", client.DID(), "vote_count", count)
	return count, nil
}

// eachVoteRecord pages through the vote collection, calling fn for each
// well-formed record until fn returns false.
func eachVoteRecord(ctx context.Context, client pds.Client, fn func(subjectURI string, v VoteState) bool) error {
	cursor := ""
	for {
		result, err := client.ListRecords(ctx, Collection, listPageSize, cursor)
		if err != nil {
			return err
		}

		for _, rec := range result.Records {
			subject, ok := rec.Value["subject"].(map[string]any)
			if !ok {
				continue
			}
			subjectURI, _ := subject["uri"].(string)
			if subjectURI == "" {
				continue
			}
			raw, _ := rec.Value["direction"].(string)
			dir, err := ParseDirection(raw)
			if err != nil {
				continue
			}
			if !fn(subjectURI, VoteState{Direction: dir, URI: rec.URI, RKey: utils.ExtractRKeyFromURI(rec.URI)}) {
				return nil
			}
		}

		if result.Cursor == "" {
			return nil
		}
		cursor = result.Cursor
	}
}
