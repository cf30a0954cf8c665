package communities

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"CovesClient/internal/atproto/xrpc"
	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/core/optimistic"
	"CovesClient/internal/telemetry"
)

const (
	subscribeNSID   = "social.coves.community.subscribe"
	unsubscribeNSID = "social.coves.community.unsubscribe"

	// defaultContentVisibility is the middle of the 1-5 feed slider.
	defaultContentVisibility = 3
)

// StoreOptions configures a SubscriptionStore.
type StoreOptions struct {
	Logger *slog.Logger
	Sink   telemetry.Sink
	// ContentVisibility is sent with new subscriptions (1-5).
	ContentVisibility int
}

// SubscriptionStore holds the viewer's community subscriptions and applies
// changes optimistically. The numeric adjustment is the subscriber count
// delta the server has not reported yet.
type SubscriptionStore struct {
	xrpc       xrpc.Caller
	subs       *optimistic.Mutator[SubscriptionState]
	logger     *slog.Logger
	visibility int
}

// NewSubscriptionStore creates a store over an authenticated client.
func NewSubscriptionStore(c xrpc.Caller, opts StoreOptions) *SubscriptionStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ContentVisibility < 1 || opts.ContentVisibility > 5 {
		opts.ContentVisibility = defaultContentVisibility
	}
	return &SubscriptionStore{
		xrpc:       c,
		logger:     opts.Logger,
		visibility: opts.ContentVisibility,
		subs: optimistic.New[SubscriptionState](optimistic.Options{
			Logger: opts.Logger,
			Sink:   opts.Sink,
			Op:     "community.subscription",
		}),
	}
}

// Toggle subscribes to or unsubscribes from communityDID and reports whether
// the viewer is subscribed afterwards. While a change for the same community
// is in flight, further calls report the last committed state without a request.
func (s *SubscriptionStore) Toggle(ctx context.Context, communityDID string, subscribe bool) (bool, error) {
	if _, err := syntax.ParseDID(communityDID); err != nil {
		return false, &apierrors.Error{
			Kind:    apierrors.KindValidation,
			Op:      "community.subscription",
			Message: fmt.Sprintf("%s: %q", ErrInvalidCommunity, communityDID),
			Err:     ErrInvalidCommunity,
		}
	}

	plan := func(prev SubscriptionState, ok bool) optimistic.Transition[SubscriptionState] {
		was := ok && prev.Subscribed
		delta := 0
		switch {
		case subscribe && !was:
			delta = 1
		case !subscribe && was:
			delta = -1
		}
		next := SubscriptionState{Subscribed: subscribe}
		if subscribe && was {
			next.URI = prev.URI
		}
		return optimistic.Transition[SubscriptionState]{Next: next, Present: true, Delta: delta}
	}
	commit := func(ctx context.Context) (SubscriptionState, bool, error) {
		if !subscribe {
			if err := s.xrpc.Post(ctx, unsubscribeNSID, unsubscribeRequest{Community: communityDID}, nil); err != nil {
				return SubscriptionState{}, false, err
			}
			return SubscriptionState{Subscribed: false}, true, nil
		}
		var resp subscribeResponse
		req := subscribeRequest{Community: communityDID, ContentVisibility: s.visibility}
		if err := s.xrpc.Post(ctx, subscribeNSID, req, &resp); err != nil {
			return SubscriptionState{}, false, err
		}
		if resp.Existing {
			s.logger.Debug("already subscribed", "community", communityDID, "uri", resp.URI)
		}
		return SubscriptionState{Subscribed: true, URI: resp.URI}, true, nil
	}

	res, err := s.subs.Mutate(ctx, communityDID, plan, commit)
	if res.Suppressed {
		s.logger.Debug("subscription change suppressed, request in flight", "community", communityDID)
	}
	return res.Present && res.State.Subscribed, err
}

// Subscribed reports the local subscription state for communityDID.
func (s *SubscriptionStore) Subscribed(communityDID string) bool {
	st, ok := s.subs.Get(communityDID)
	return ok && st.Subscribed
}

// State returns the local subscription state for communityDID.
func (s *SubscriptionStore) State(communityDID string) (SubscriptionState, bool) {
	return s.subs.Get(communityDID)
}

// SubscriberCount corrects the server's count by unconfirmed local changes.
func (s *SubscriptionStore) SubscriberCount(communityDID string, serverCount int) int {
	return serverCount + s.subs.Adjustment(communityDID)
}

// Pending reports whether a change for communityDID is in flight.
func (s *SubscriptionStore) Pending(communityDID string) bool {
	return s.subs.Pending(communityDID)
}

// ApplyViewer records the server's view of the subscription. A nil viewer
// or unset flag means the request was unauthenticated and is ignored.
func (s *SubscriptionStore) ApplyViewer(communityDID string, viewer *CommunityViewerState) {
	if viewer == nil || viewer.Subscribed == nil {
		return
	}
	st := SubscriptionState{Subscribed: *viewer.Subscribed}
	if prev, ok := s.subs.Get(communityDID); ok && prev.Subscribed && st.Subscribed {
		st.URI = prev.URI
	}
	s.subs.ApplyServerState(communityDID, st, true)
}

// Subscribe registers fn for subscription changes.
func (s *SubscriptionStore) Subscribe(fn func(optimistic.Change[SubscriptionState])) (unsubscribe func()) {
	return s.subs.Subscribe(fn)
}

// Reset forgets every subscription. Changes in flight are discarded when
// they complete.
func (s *SubscriptionStore) Reset() {
	s.subs.Reset()
}
