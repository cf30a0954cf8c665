// Package communities lists communities and manages the viewer's
// subscriptions to them.
package communities

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"

	"CovesClient/internal/atproto/xrpc"
	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/core/pagination"
	"CovesClient/internal/telemetry"
)

const listNSID = "social.coves.community.list"

var validSorts = map[string]bool{"popular": true, "active": true, "new": true, "alphabetical": true}

// Service reads communities from the AppView.
type Service struct {
	xrpc   xrpc.Caller
	subs   *SubscriptionStore
	sink   telemetry.Sink
	logger *slog.Logger
}

// NewService creates a community service. subs may be nil when nobody is
// signed in.
func NewService(c xrpc.Caller, subs *SubscriptionStore, sink telemetry.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{xrpc: c, subs: subs, sink: sink, logger: logger}
}

func validateListRequest(req *ListCommunitiesRequest) error {
	if req.Sort == "" {
		req.Sort = "popular"
	}
	if !validSorts[req.Sort] {
		return &apierrors.Error{Kind: apierrors.KindValidation, Op: "community.list", Message: ErrInvalidSort.Error(), Err: ErrInvalidSort}
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 100 {
		return apierrors.Validation("community.list", "limit must not exceed 100")
	}
	return nil
}

// ListCommunities fetches one page of communities.
func (s *Service) ListCommunities(ctx context.Context, req ListCommunitiesRequest, cursor string) (*ListCommunitiesResponse, error) {
	if err := validateListRequest(&req); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("sort", req.Sort)
	params.Set("limit", strconv.Itoa(req.Limit))
	if req.Subscribed {
		params.Set("subscribed", "true")
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp ListCommunitiesResponse
	if err := s.xrpc.Get(ctx, listNSID, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewLoader returns a paginated community list. Fetched pages update the
// subscription store from each community's viewer state.
func (s *Service) NewLoader(req ListCommunitiesRequest) (*pagination.Loader[*CommunityView], error) {
	if err := validateListRequest(&req); err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context, cursor string) (pagination.Page[*CommunityView], error) {
		resp, err := s.ListCommunities(ctx, req, cursor)
		if err != nil {
			return pagination.Page[*CommunityView]{}, err
		}
		return pagination.Page[*CommunityView]{Items: resp.Communities, Cursor: resp.Cursor}, nil
	}
	return pagination.NewLoader(fetch, pagination.Options[*CommunityView]{
		Logger: s.logger,
		Sink:   s.sink,
		Op:     "community.list",
		OnPage: s.hydrateSubscriptions,
	}), nil
}

func (s *Service) hydrateSubscriptions(page []*CommunityView) {
	if s.subs == nil {
		return
	}
	for _, c := range page {
		if c != nil && c.DID != "" {
			s.subs.ApplyViewer(c.DID, c.Viewer)
		}
	}
}
