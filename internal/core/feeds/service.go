// Package feeds reads the timeline, discover, and community feeds and keeps
// the vote store in step with what the server reports.
package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"CovesClient/internal/atproto/xrpc"
	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/core/pagination"
	"CovesClient/internal/core/votes"
	"CovesClient/internal/telemetry"
)

const (
	timelineNSID  = "social.coves.feed.getTimeline"
	discoverNSID  = "social.coves.feed.getDiscover"
	communityNSID = "social.coves.communityFeed.getCommunity"

	defaultLimit = 15
	maxLimit     = 50
)

var validTimeframes = map[Timeframe]bool{
	TimeframeHour: true, TimeframeDay: true, TimeframeWeek: true,
	TimeframeMonth: true, TimeframeYear: true, TimeframeAll: true,
}

// Service fetches feeds from the AppView.
type Service struct {
	xrpc   xrpc.Caller
	votes  *votes.Store
	sink   telemetry.Sink
	logger *slog.Logger
}

// NewService creates a feed service. voteStore may be nil when nobody is
// signed in.
func NewService(c xrpc.Caller, voteStore *votes.Store, sink telemetry.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{xrpc: c, votes: voteStore, sink: sink, logger: logger}
}

// Validate applies defaults and checks the request locally.
func (r *Request) Validate() error {
	if r.Kind == "" {
		r.Kind = KindDiscover
	}
	switch r.Kind {
	case KindTimeline, KindDiscover:
	case KindCommunity:
		community := strings.TrimPrefix(strings.TrimSpace(r.Community), "@")
		if community == "" {
			return apierrors.Validation("feed", "community is required")
		}
		if _, err := syntax.ParseAtIdentifier(community); err != nil {
			return apierrors.Validation("feed", fmt.Sprintf("invalid community identifier %q", r.Community))
		}
		r.Community = community
	default:
		return apierrors.Validation("feed", fmt.Sprintf("unknown feed type %q", r.Kind))
	}

	if r.Sort == "" {
		r.Sort = SortHot
	}
	switch r.Sort {
	case SortHot, SortTop, SortNew:
	default:
		return apierrors.Validation("feed", "sort must be one of: hot, top, new")
	}

	if r.Sort == SortTop && r.Timeframe == "" {
		r.Timeframe = TimeframeDay
	}
	if r.Timeframe != "" {
		if r.Sort != SortTop {
			return apierrors.Validation("feed", "timeframe is only valid with sort=top")
		}
		if !validTimeframes[r.Timeframe] {
			return apierrors.Validation("feed", "timeframe must be one of: hour, day, week, month, year, all")
		}
	}

	if r.Limit <= 0 {
		r.Limit = defaultLimit
	}
	if r.Limit > maxLimit {
		return apierrors.Validation("feed", "limit must not exceed 50")
	}
	return nil
}

// GetFeed fetches one page. Vote state is not touched; loaders do that.
func (s *Service) GetFeed(ctx context.Context, req Request, cursor string) (*FeedResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("sort", string(req.Sort))
	params.Set("limit", strconv.Itoa(req.Limit))
	if req.Timeframe != "" {
		params.Set("timeframe", string(req.Timeframe))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	nsid := discoverNSID
	switch req.Kind {
	case KindTimeline:
		nsid = timelineNSID
	case KindCommunity:
		nsid = communityNSID
		params.Set("community", req.Community)
	}

	var resp FeedResponse
	if err := s.xrpc.Get(ctx, nsid, params, &resp); err != nil {
		return nil, err
	}
	s.logger.Debug("feed page fetched", "feed", req.Kind, "posts", len(resp.Feed), "has_more", resp.Cursor != "")
	return &resp, nil
}

// NewLoader returns a paginated loader for req. Every fetched page updates
// the vote store, including posts the viewer has no vote on, so a vote
// removed on another device disappears locally too.
func (s *Service) NewLoader(req Request) (*pagination.Loader[*FeedViewPost], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context, cursor string) (pagination.Page[*FeedViewPost], error) {
		resp, err := s.GetFeed(ctx, req, cursor)
		if err != nil {
			return pagination.Page[*FeedViewPost]{}, err
		}
		return pagination.Page[*FeedViewPost]{Items: resp.Feed, Cursor: resp.Cursor}, nil
	}
	return pagination.NewLoader(fetch, pagination.Options[*FeedViewPost]{
		Logger: s.logger,
		Sink:   s.sink,
		Op:     "feed." + string(req.Kind),
		OnPage: s.hydrateVotes,
	}), nil
}

func (s *Service) hydrateVotes(feed []*FeedViewPost) {
	if s.votes == nil {
		return
	}
	for _, item := range feed {
		if item == nil || item.Post == nil || item.Post.URI == "" {
			continue
		}
		s.votes.ApplyViewer(item.Post.URI, item.Post.Viewer.VoteViewer())
	}
}
