// Package comments loads comment threads and writes comments through the
// AppView, keeping loaded threads and the vote store current.
package comments

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/rivo/uniseg"

	"CovesClient/internal/atproto/utils"
	"CovesClient/internal/atproto/xrpc"
	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/core/feeds"
	"CovesClient/internal/core/pagination"
	"CovesClient/internal/core/votes"
	"CovesClient/internal/telemetry"
)

const (
	getCommentsNSID   = "social.coves.community.comment.getComments"
	createCommentNSID = "social.coves.community.comment.create"
	deleteCommentNSID = "social.coves.community.comment.delete"

	// maxCommentGraphemes is the maximum length for comment content in graphemes
	maxCommentGraphemes = 10000
)

// Identity reports the signed-in account, used to attribute comments
// inserted locally before the next fetch.
type Identity func() (did, handle string, ok bool)

// Options configures a Service.
type Options struct {
	Votes    *votes.Store
	Identity Identity
	Sink     telemetry.Sink
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service reads and writes comments.
type Service struct {
	xrpc     xrpc.Caller
	votes    *votes.Store
	identity Identity
	sink     telemetry.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a comment service.
func NewService(c xrpc.Caller, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		xrpc:     c,
		votes:    opts.Votes,
		identity: opts.Identity,
		sink:     opts.Sink,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// validateGetCommentsRequest validates and normalizes request parameters
func validateGetCommentsRequest(req *GetCommentsRequest) error {
	if req.PostURI == "" {
		return apierrors.Validation("comments", "post URI is required")
	}
	if _, err := syntax.ParseATURI(req.PostURI); err != nil {
		return apierrors.Validation("comments", fmt.Sprintf("invalid post URI %q", req.PostURI))
	}

	if req.Depth == 0 {
		req.Depth = 10
	}
	if req.Depth < 0 || req.Depth > 100 {
		return apierrors.Validation("comments", "depth must be between 1 and 100")
	}
	if req.Limit == 0 {
		req.Limit = 50
	}
	if req.Limit < 0 || req.Limit > 100 {
		return apierrors.Validation("comments", "limit must be between 1 and 100")
	}

	if req.Sort == "" {
		req.Sort = "hot"
	}
	switch req.Sort {
	case "hot", "top", "new":
	default:
		return apierrors.Validation("comments", fmt.Sprintf("invalid sort: must be one of [hot, top, new], got '%s'", req.Sort))
	}

	if req.Timeframe != "" {
		switch req.Timeframe {
		case "hour", "day", "week", "month", "year", "all":
		default:
			return apierrors.Validation("comments", fmt.Sprintf("invalid timeframe: must be one of [hour, day, week, month, year, all], got '%s'", req.Timeframe))
		}
	}
	return nil
}

// GetComments fetches one page of top-level comments with nested replies.
func (s *Service) GetComments(ctx context.Context, req GetCommentsRequest, cursor string) (*GetCommentsResponse, error) {
	if err := validateGetCommentsRequest(&req); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("post", req.PostURI)
	params.Set("sort", req.Sort)
	params.Set("depth", strconv.Itoa(req.Depth))
	params.Set("limit", strconv.Itoa(req.Limit))
	if req.Timeframe != "" {
		params.Set("timeframe", req.Timeframe)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp GetCommentsResponse
	if err := s.xrpc.Get(ctx, getCommentsNSID, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Thread is a paginated comment thread for one post.
type Thread struct {
	*pagination.Loader[*ThreadViewComment]
	post *feeds.PostView
	mu   sync.Mutex
}

// Post returns the post from the most recent fetch.
func (t *Thread) Post() *feeds.PostView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.post
}

// NewThread returns a loader for req. Every fetched page updates the vote
// store for all comments in the page, nested replies included.
func (s *Service) NewThread(req GetCommentsRequest) (*Thread, error) {
	if err := validateGetCommentsRequest(&req); err != nil {
		return nil, err
	}
	t := &Thread{}
	fetch := func(ctx context.Context, cursor string) (pagination.Page[*ThreadViewComment], error) {
		resp, err := s.GetComments(ctx, req, cursor)
		if err != nil {
			return pagination.Page[*ThreadViewComment]{}, err
		}
		t.mu.Lock()
		t.post = resp.Post
		t.mu.Unlock()
		return pagination.Page[*ThreadViewComment]{Items: resp.Comments, Cursor: resp.Cursor}, nil
	}
	t.Loader = pagination.NewLoader(fetch, pagination.Options[*ThreadViewComment]{
		Logger: s.logger,
		Sink:   s.sink,
		Op:     "comments.load",
		OnPage: s.hydrateVotes,
	})
	return t, nil
}

func (s *Service) hydrateVotes(threads []*ThreadViewComment) {
	if s.votes == nil {
		return
	}
	Walk(threads, func(t *ThreadViewComment) {
		if t.Comment == nil || t.Comment.URI == "" {
			return
		}
		s.votes.ApplyViewer(t.Comment.URI, t.Comment.Viewer.VoteViewer())
	})
}

func invalid(op string, sentinel error) error {
	return &apierrors.Error{Kind: apierrors.KindValidation, Op: op, Message: sentinel.Error(), Err: sentinel}
}

// validateReplyRef validates that reply references are well-formed
func validateReplyRef(reply ReplyRef) error {
	for _, ref := range []StrongRef{reply.Root, reply.Parent} {
		if _, err := syntax.ParseATURI(ref.URI); err != nil {
			return invalid("comment.create", ErrInvalidReply)
		}
		if ref.CID == "" {
			return invalid("comment.create", ErrInvalidReply)
		}
	}
	return nil
}

// Create posts a comment. When thread is non-nil the new comment is inserted
// into it: top-level comments first in the list, replies first under their
// parent.
func (s *Service) Create(ctx context.Context, req CreateCommentRequest, thread *Thread) (*CreateCommentResponse, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, invalid("comment.create", ErrContentEmpty)
	}
	if uniseg.GraphemeClusterCount(content) > maxCommentGraphemes {
		return nil, invalid("comment.create", ErrContentTooLong)
	}
	if err := validateReplyRef(req.Reply); err != nil {
		return nil, err
	}
	req.Content = content

	var resp CreateCommentResponse
	if err := s.xrpc.Post(ctx, createCommentNSID, req, &resp); err != nil {
		s.logger.Error("failed to create comment",
			"error", err,
			"root", req.Reply.Root.URI,
			"parent", req.Reply.Parent.URI)
		return nil, err
	}

	s.logger.Info("comment created",
		"uri", resp.URI,
		"cid", resp.CID,
		"root", req.Reply.Root.URI,
		"parent", req.Reply.Parent.URI)

	if thread != nil {
		node := &ThreadViewComment{Comment: s.localView(req, resp)}
		thread.Update(func(items []*ThreadViewComment) []*ThreadViewComment {
			if req.Reply.IsTopLevel() {
				return append([]*ThreadViewComment{node}, items...)
			}
			updated, ok := insertReply(items, req.Reply.Parent.URI, node)
			if !ok {
				s.logger.Debug("parent not loaded, new reply not inserted", "parent", req.Reply.Parent.URI)
			}
			return updated
		})
	}
	return &resp, nil
}

func (s *Service) localView(req CreateCommentRequest, resp CreateCommentResponse) *CommentView {
	now := s.now().UTC().Format(time.RFC3339)
	view := &CommentView{
		URI:       resp.URI,
		CID:       resp.CID,
		Content:   req.Content,
		CreatedAt: now,
		IndexedAt: now,
		Post:      &CommentRef{URI: req.Reply.Root.URI, CID: req.Reply.Root.CID},
		Stats:     &CommentStats{},
		Viewer:    &CommentViewerState{},
	}
	if !req.Reply.IsTopLevel() {
		view.Parent = &CommentRef{URI: req.Reply.Parent.URI, CID: req.Reply.Parent.CID}
	}
	if s.identity != nil {
		if did, handle, ok := s.identity(); ok {
			view.Author = &feeds.AuthorView{DID: did, Handle: handle}
		}
	}
	return view
}

// Thread edits are copy-on-write: every node on the path to the change is
// copied and the slices and nodes already handed out in snapshots are never
// modified.

// withReplies returns a copy of t holding replies, its reply count moved by
// delta.
func withReplies(t *ThreadViewComment, replies []*ThreadViewComment, delta int) *ThreadViewComment {
	out := *t
	out.Replies = replies
	if t.Comment != nil && delta != 0 {
		c := *t.Comment
		if c.Stats != nil {
			stats := *c.Stats
			stats.ReplyCount = max(stats.ReplyCount+delta, 0)
			c.Stats = &stats
		}
		out.Comment = &c
	}
	return &out
}

// replaceAt returns a copy of threads with the node at i swapped for node.
func replaceAt(threads []*ThreadViewComment, i int, node *ThreadViewComment) []*ThreadViewComment {
	out := append([]*ThreadViewComment(nil), threads...)
	out[i] = node
	return out
}

func insertReply(threads []*ThreadViewComment, parentURI string, node *ThreadViewComment) ([]*ThreadViewComment, bool) {
	for i, t := range threads {
		if t == nil || t.Comment == nil {
			continue
		}
		if t.Comment.URI == parentURI {
			replies := append([]*ThreadViewComment{node}, t.Replies...)
			return replaceAt(threads, i, withReplies(t, replies, 1)), true
		}
		if replies, ok := insertReply(t.Replies, parentURI, node); ok {
			return replaceAt(threads, i, withReplies(t, replies, 0)), true
		}
	}
	return threads, false
}

// Delete removes the signed-in user's comment. When thread is non-nil the
// comment disappears from it immediately and is put back if the server
// refuses.
func (s *Service) Delete(ctx context.Context, uri string, thread *Thread) error {
	parsed, err := syntax.ParseATURI(uri)
	if err != nil || !utils.IsRecordOf(uri, Collection) {
		return &apierrors.Error{Kind: apierrors.KindNotFound, Op: "comment.delete", Message: ErrCommentNotFound.Error(), Err: ErrCommentNotFound}
	}
	if s.identity != nil {
		did, _, ok := s.identity()
		if !ok {
			return &apierrors.Error{Kind: apierrors.KindAuthentication, Op: "comment.delete", Err: ErrNotSignedIn}
		}
		if parsed.Authority().String() != did {
			return &apierrors.Error{Kind: apierrors.KindValidation, Op: "comment.delete", Message: ErrNotAuthorized.Error(), Err: ErrNotAuthorized}
		}
	}

	var removed *removal
	if thread != nil {
		thread.Update(func(items []*ThreadViewComment) []*ThreadViewComment {
			items, removed = remove(items, "", uri)
			return items
		})
	}

	if err := s.xrpc.Post(ctx, deleteCommentNSID, DeleteCommentRequest{URI: uri}, nil); err != nil {
		if removed != nil {
			thread.Update(func(items []*ThreadViewComment) []*ThreadViewComment {
				return restore(items, removed)
			})
			s.sink.RecordRollback("comment.delete")
		}
		s.logger.Error("failed to delete comment", "error", err, "uri", uri)
		s.sink.ReportError(ctx, "comment.delete", err)
		return err
	}

	s.logger.Info("comment deleted", "uri", uri)
	return nil
}

// removal records where a comment was taken out of a thread.
type removal struct {
	node      *ThreadViewComment
	parentURI string
	index     int
}

func remove(threads []*ThreadViewComment, parentURI, uri string) ([]*ThreadViewComment, *removal) {
	for i, t := range threads {
		if t == nil || t.Comment == nil {
			continue
		}
		if t.Comment.URI == uri {
			out := append(threads[:i:i], threads[i+1:]...)
			return out, &removal{node: t, parentURI: parentURI, index: i}
		}
		if replies, r := remove(t.Replies, t.Comment.URI, uri); r != nil {
			delta := 0
			if r.parentURI == t.Comment.URI {
				delta = -1
			}
			return replaceAt(threads, i, withReplies(t, replies, delta)), r
		}
	}
	return threads, nil
}

// restore puts a removed comment back at its old position. If its parent is
// no longer loaded the comment stays out.
func restore(threads []*ThreadViewComment, r *removal) []*ThreadViewComment {
	if r.parentURI == "" {
		return insertAt(threads, r.index, r.node)
	}
	out, _ := restoreUnder(threads, r)
	return out
}

func restoreUnder(threads []*ThreadViewComment, r *removal) ([]*ThreadViewComment, bool) {
	for i, t := range threads {
		if t == nil || t.Comment == nil {
			continue
		}
		if t.Comment.URI == r.parentURI {
			return replaceAt(threads, i, withReplies(t, insertAt(t.Replies, r.index, r.node), 1)), true
		}
		if replies, ok := restoreUnder(t.Replies, r); ok {
			return replaceAt(threads, i, withReplies(t, replies, 0)), true
		}
	}
	return threads, false
}

func insertAt(items []*ThreadViewComment, i int, node *ThreadViewComment) []*ThreadViewComment {
	if i > len(items) {
		i = len(items)
	}
	out := make([]*ThreadViewComment, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, node)
	return append(out, items[i:]...)
}
