// Package appviewtest runs an in-memory Coves AppView for tests. It speaks
// the same JSON as the real server for the endpoints the client uses and
// records every call so tests can assert on request counts.
package appviewtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Account is a user the fake server knows about.
type Account struct {
	CreatedAt   time.Time
	DID         string
	Handle      string
	DisplayName string
	Bio         string
}

// Post is a post in the fake index.
type Post struct {
	CreatedAt    time.Time
	URI          string
	CID          string
	AuthorDID    string
	CommunityDID string
	Title        string
	Text         string
	Upvotes      int
	Downvotes    int
}

// Comment is a comment in the fake index. Parent is the post URI for
// top-level comments.
type Comment struct {
	CreatedAt time.Time
	URI       string
	CID       string
	AuthorDID string
	PostURI   string
	Parent    string
	Content   string
	Upvotes   int
	Downvotes int
	Deleted   bool
}

// Community is a community in the fake index.
type Community struct {
	DID             string
	Handle          string
	Name            string
	DisplayName     string
	SubscriberCount int
}

type vote struct {
	direction string
	uri       string
}

type sessionRecord struct {
	did       string
	sessionID string
}

// Server is the fake AppView.
type Server struct {
	*httptest.Server

	gates    map[string]chan struct{}
	failures map[string][]int
	calls    map[string]int

	tokens        map[string]sessionRecord
	accounts      map[string]*Account
	communities   []*Community
	posts         []*Post
	comments      []*Comment
	votes         map[string]map[string]vote
	subscriptions map[string]map[string]string

	// AccessTokenFor returns the PDS access token handed out by refresh.
	AccessTokenFor func(did string) string

	PageSize int
	mu       sync.Mutex
	seq      int
}

// New starts a server and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		gates:         make(map[string]chan struct{}),
		failures:      make(map[string][]int),
		calls:         make(map[string]int),
		tokens:        make(map[string]sessionRecord),
		accounts:      make(map[string]*Account),
		votes:         make(map[string]map[string]vote),
		subscriptions: make(map[string]map[string]string),
		PageSize:      15,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Get("/oauth/mobile/login", s.handleMobileLogin)
	r.Post("/oauth/refresh", s.handleRefresh)
	r.Post("/oauth/logout", s.handleLogout)

	r.Get("/xrpc/social.coves.feed.getDiscover", s.handleDiscover)
	r.Get("/xrpc/social.coves.communityFeed.getCommunity", s.handleCommunityFeed)
	r.Get("/xrpc/social.coves.community.comment.getComments", s.handleGetComments)
	r.Get("/xrpc/social.coves.community.list", s.handleListCommunities)
	r.Get("/xrpc/social.coves.actor.getProfile", s.handleGetProfile)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/xrpc/social.coves.feed.getTimeline", s.handleTimeline)
		r.Post("/xrpc/social.coves.feed.vote.create", s.handleVote)
		r.Post("/xrpc/social.coves.community.comment.create", s.handleCreateComment)
		r.Post("/xrpc/social.coves.community.comment.delete", s.handleDeleteComment)
		r.Post("/xrpc/social.coves.community.subscribe", s.handleSubscribe)
		r.Post("/xrpc/social.coves.community.unsubscribe", s.handleUnsubscribe)
		r.Post("/xrpc/social.coves.actor.updateProfile", s.handleUpdateProfile)
	})
	return r
}

// record counts the call, applies injected failures, and waits on gates.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		s.mu.Lock()
		s.calls[path]++
		var status int
		if queued := s.failures[path]; len(queued) > 0 {
			status = queued[0]
			s.failures[path] = queued[1:]
		}
		gate := s.gates[path]
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeError(w, status, "InjectedFailure", http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Calls returns how many requests reached path, e.g. "/oauth/refresh".
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// FailNext makes the next requests to path fail with the given statuses, in
// order.
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// Hold blocks requests to path until the returned release func is called.
func (s *Server) Hold(path string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[path] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, path)
			s.mu.Unlock()
			close(gate)
		})
	}
}

// AddAccount registers a user and returns a sealed token for a new session.
func (s *Server) AddAccount(a Account) (token, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	acct := a
	s.accounts[a.DID] = &acct
	sessionID = uuid.NewString()
	token = s.issueLocked(a.DID, sessionID)
	return token, sessionID
}

// RevokeAll invalidates every sealed token, as if the server lost its
// sessions.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]sessionRecord)
}

// ExpireTokens invalidates current sealed tokens but keeps sessions
// refreshable: refresh still accepts the old token once.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, rec := range s.tokens {
		s.tokens["expired:"+tok] = rec
		delete(s.tokens, tok)
	}
}

// AddCommunity indexes a community.
func (s *Server) AddCommunity(c Community) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := c
	s.communities = append(s.communities, &cc)
}

// AddPost indexes a post and returns it.
func (s *Server) AddPost(p Post) Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if p.URI == "" {
		p.URI = fmt.Sprintf("at://%s/social.coves.community.post/post%d", p.CommunityDID, s.seq)
	}
	if p.CID == "" {
		p.CID = fmt.Sprintf("bafypost%d", s.seq)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Date(2025, 1, 1, 0, 0, s.seq, 0, time.UTC)
	}
	pp := p
	s.posts = append(s.posts, &pp)
	return p
}

// AddComment indexes a comment and returns it.
func (s *Server) AddComment(c Comment) Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if c.URI == "" {
		c.URI = fmt.Sprintf("at://%s/social.coves.community.comment/c%d", c.AuthorDID, s.seq)
	}
	if c.CID == "" {
		c.CID = fmt.Sprintf("bafycomment%d", s.seq)
	}
	if c.Parent == "" {
		c.Parent = c.PostURI
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Date(2025, 1, 1, 0, 0, s.seq, 0, time.UTC)
	}
	cc := c
	s.comments = append(s.comments, &cc)
	return c
}

// SetVote records a vote as if it had been made on another device.
func (s *Server) SetVote(did, subjectURI, direction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setVoteLocked(did, subjectURI, direction)
}

// Vote returns the server's view of did's vote on subjectURI.
func (s *Server) Vote(did, subjectURI string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[did][subjectURI]
	return v.direction, ok
}

// Subscribed reports whether did is subscribed to communityDID.
func (s *Server) Subscribed(did, communityDID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[did][communityDID]
	return ok
}

// CommentCount returns the number of non-deleted comments on postURI.
func (s *Server) CommentCount(postURI string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.comments {
		if c.PostURI == postURI && !c.Deleted {
			n++
		}
	}
	return n
}

func (s *Server) issueLocked(did, sessionID string) string {
	s.seq++
	token := fmt.Sprintf("sealed-%d-%s", s.seq, uuid.NewString())
	s.tokens[token] = sessionRecord{did: did, sessionID: sessionID}
	return token
}

func (s *Server) setVoteLocked(did, subjectURI, direction string) {
	if s.votes[did] == nil {
		s.votes[did] = make(map[string]vote)
	}
	if direction == "" {
		delete(s.votes[did], subjectURI)
		return
	}
	s.seq++
	s.votes[did][subjectURI] = vote{
		direction: direction,
		uri:       fmt.Sprintf("at://%s/social.coves.feed.vote/v%d", did, s.seq),
	}
}

// paginate applies offset cursors to n items.
func (s *Server) paginate(r *http.Request, n int) (start, end int, next string, err error) {
	limit := s.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, "", fmt.Errorf("invalid limit")
		}
	}
	if c := r.URL.Query().Get("cursor"); c != "" {
		if start, err = strconv.Atoi(c); err != nil || start < 0 {
			return 0, 0, "", fmt.Errorf("invalid cursor")
		}
	}
	if start > n {
		start = n
	}
	end = start + limit
	if end >= n {
		return start, n, "", nil
	}
	return start, end, strconv.Itoa(end), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a standardized XRPC error response
func writeError(w http.ResponseWriter, statusCode int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   errorType,
		"message": message,
	})
}
