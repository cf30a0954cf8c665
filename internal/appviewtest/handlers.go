package appviewtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	validSorts      = map[string]bool{"": true, "hot": true, "top": true, "new": true}
	validTimeframes = map[string]bool{"": true, "hour": true, "day": true, "week": true, "month": true, "year": true, "all": true}
)

func validateSort(w http.ResponseWriter, r *http.Request) bool {
	q := r.URL.Query()
	if !validSorts[q.Get("sort")] {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "sort must be one of: hot, top, new")
		return false
	}
	if !validTimeframes[q.Get("timeframe")] {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid timeframe")
		return false
	}
	return true
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	r, ok := s.optionalAuth(w, r)
	if !ok || !validateSort(w, r) {
		return
	}
	s.writeFeed(w, r, func(*Post) bool { return true })
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !validateSort(w, r) {
		return
	}
	did := viewerDID(r)
	s.writeFeed(w, r, func(p *Post) bool {
		_, ok := s.subscriptions[did][p.CommunityDID]
		return ok
	})
}

func (s *Server) handleCommunityFeed(w http.ResponseWriter, r *http.Request) {
	r, ok := s.optionalAuth(w, r)
	if !ok || !validateSort(w, r) {
		return
	}
	community := r.URL.Query().Get("community")
	if community == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "community parameter is required")
		return
	}
	s.mu.Lock()
	c := s.findCommunityLocked(community)
	s.mu.Unlock()
	if c == nil {
		writeError(w, http.StatusNotFound, "CommunityNotFound", "Community not found")
		return
	}
	s.writeFeed(w, r, func(p *Post) bool { return p.CommunityDID == c.DID })
}

// writeFeed lists matching posts newest first. match runs with s.mu held.
func (s *Server) writeFeed(w http.ResponseWriter, r *http.Request, match func(*Post) bool) {
	did := viewerDID(r)

	s.mu.Lock()
	var selected []*Post
	for i := len(s.posts) - 1; i >= 0; i-- {
		if match(s.posts[i]) {
			selected = append(selected, s.posts[i])
		}
	}
	if r.URL.Query().Get("sort") == "top" {
		sort.SliceStable(selected, func(i, j int) bool {
			return selected[i].Upvotes-selected[i].Downvotes > selected[j].Upvotes-selected[j].Downvotes
		})
	}
	start, end, next, err := s.paginate(r, len(selected))
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	feed := make([]map[string]any, 0, end-start)
	for _, p := range selected[start:end] {
		feed = append(feed, map[string]any{"post": s.postViewLocked(p, did)})
	}
	s.mu.Unlock()

	resp := map[string]any{"feed": feed}
	if next != "" {
		resp["cursor"] = next
	}
	writeJSON(w, resp)
}

func (s *Server) postViewLocked(p *Post, viewer string) map[string]any {
	view := map[string]any{
		"uri":       p.URI,
		"cid":       p.CID,
		"rkey":      p.URI[strings.LastIndex(p.URI, "/")+1:],
		"createdAt": p.CreatedAt.Format(time.RFC3339),
		"indexedAt": p.CreatedAt.Format(time.RFC3339),
		"author":    s.authorViewLocked(p.AuthorDID),
		"title":     p.Title,
		"text":      p.Text,
		"stats": map[string]any{
			"upvotes":      p.Upvotes,
			"downvotes":    p.Downvotes,
			"score":        p.Upvotes - p.Downvotes,
			"commentCount": s.commentCountLocked(p.URI),
		},
	}
	if c := s.findCommunityLocked(p.CommunityDID); c != nil {
		view["community"] = map[string]any{"did": c.DID, "handle": c.Handle, "name": c.Name}
	}
	if viewer != "" {
		viewerState := map[string]any{"saved": false}
		if v, ok := s.votes[viewer][p.URI]; ok {
			viewerState["vote"] = v.direction
			viewerState["voteUri"] = v.uri
		}
		view["viewer"] = viewerState
	}
	return view
}

func (s *Server) authorViewLocked(did string) map[string]any {
	author := map[string]any{"did": did, "handle": "unknown.invalid"}
	if a := s.accounts[did]; a != nil {
		author["handle"] = a.Handle
		if a.DisplayName != "" {
			author["displayName"] = a.DisplayName
		}
	}
	return author
}

func (s *Server) commentCountLocked(postURI string) int {
	n := 0
	for _, c := range s.comments {
		if c.PostURI == postURI && !c.Deleted {
			n++
		}
	}
	return n
}

func (s *Server) findCommunityLocked(id string) *Community {
	for _, c := range s.communities {
		if c.DID == id || c.Handle == id {
			return c
		}
	}
	return nil
}

func (s *Server) findPostLocked(uri string) *Post {
	for _, p := range s.posts {
		if p.URI == uri {
			return p
		}
	}
	return nil
}

func (s *Server) findCommentLocked(uri string) *Comment {
	for _, c := range s.comments {
		if c.URI == uri && !c.Deleted {
			return c
		}
	}
	return nil
}

// GET /xrpc/social.coves.community.comment.getComments
func (s *Server) handleGetComments(w http.ResponseWriter, r *http.Request) {
	r, ok := s.optionalAuth(w, r)
	if !ok || !validateSort(w, r) {
		return
	}
	q := r.URL.Query()
	postURI := q.Get("post")
	if postURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "post parameter is required")
		return
	}
	depth := 10
	if v := q.Get("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 || d > 100 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "depth must be between 0 and 100")
			return
		}
		depth = d
	}
	viewer := viewerDID(r)

	s.mu.Lock()
	post := s.findPostLocked(postURI)
	if post == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "PostNotFound", "Post not found")
		return
	}
	top := s.childrenLocked(postURI, q.Get("sort"))
	start, end, next, err := s.paginate(r, len(top))
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	threads := make([]map[string]any, 0, end-start)
	for _, c := range top[start:end] {
		threads = append(threads, s.threadLocked(c, viewer, depth, q.Get("sort")))
	}
	resp := map[string]any{
		"post":     s.postViewLocked(post, viewer),
		"comments": threads,
	}
	s.mu.Unlock()

	if next != "" {
		resp["cursor"] = next
	}
	writeJSON(w, resp)
}

func (s *Server) childrenLocked(parent, sortBy string) []*Comment {
	var out []*Comment
	for _, c := range s.comments {
		if c.Parent == parent && !c.Deleted {
			out = append(out, c)
		}
	}
	switch sortBy {
	case "new":
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Upvotes-out[i].Downvotes > out[j].Upvotes-out[j].Downvotes
		})
	}
	return out
}

func (s *Server) threadLocked(c *Comment, viewer string, depth int, sortBy string) map[string]any {
	view := map[string]any{
		"uri":       c.URI,
		"cid":       c.CID,
		"content":   c.Content,
		"createdAt": c.CreatedAt.Format(time.RFC3339),
		"indexedAt": c.CreatedAt.Format(time.RFC3339),
		"author":    s.authorViewLocked(c.AuthorDID),
		"record":    map[string]any{"$type": "social.coves.community.comment", "content": c.Content},
		"post":      map[string]any{"uri": c.PostURI},
		"stats": map[string]any{
			"upvotes":    c.Upvotes,
			"downvotes":  c.Downvotes,
			"score":      c.Upvotes - c.Downvotes,
			"replyCount": len(s.childrenLocked(c.URI, sortBy)),
		},
	}
	if c.Parent != c.PostURI {
		view["parent"] = map[string]any{"uri": c.Parent}
	}
	if viewer != "" {
		viewerState := map[string]any{}
		if v, ok := s.votes[viewer][c.URI]; ok {
			viewerState["vote"] = v.direction
			viewerState["voteUri"] = v.uri
		}
		view["viewer"] = viewerState
	}

	thread := map[string]any{"comment": view}
	children := s.childrenLocked(c.URI, sortBy)
	if depth > 0 && len(children) > 0 {
		replies := make([]map[string]any, 0, len(children))
		for _, child := range children {
			replies = append(replies, s.threadLocked(child, viewer, depth-1, sortBy))
		}
		thread["replies"] = replies
	} else if len(children) > 0 {
		thread["hasMore"] = true
	}
	return thread
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// POST /xrpc/social.coves.community.comment.create
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reply struct {
			Root   strongRef `json:"root"`
			Parent strongRef `json:"parent"`
		} `json:"reply"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "content is required")
		return
	}

	s.mu.Lock()
	if s.findPostLocked(req.Reply.Root.URI) == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NotFound", "Root post not found")
		return
	}
	if req.Reply.Parent.URI != req.Reply.Root.URI && s.findCommentLocked(req.Reply.Parent.URI) == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NotFound", "Parent comment not found")
		return
	}
	s.mu.Unlock()

	c := s.AddComment(Comment{
		AuthorDID: viewerDID(r),
		PostURI:   req.Reply.Root.URI,
		Parent:    req.Reply.Parent.URI,
		Content:   req.Content,
	})
	writeJSON(w, map[string]string{"uri": c.URI, "cid": c.CID})
}

// POST /xrpc/social.coves.community.comment.delete
func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "uri is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCommentLocked(req.URI)
	if c == nil {
		writeError(w, http.StatusNotFound, "CommentNotFound", "Comment not found")
		return
	}
	if c.AuthorDID != viewerDID(r) {
		writeError(w, http.StatusForbidden, "NotAuthorized", "Not the comment author")
		return
	}
	c.Deleted = true
	writeJSON(w, map[string]any{})
}

// POST /xrpc/social.coves.feed.vote.create
// Request body: { "subject": {"uri", "cid"}, "direction": "up" | "down" }
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject   strongRef `json:"subject"`
		Direction string    `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}
	if req.Subject.URI == "" || req.Subject.CID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "subject is required")
		return
	}
	if req.Direction != "up" && req.Direction != "down" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "direction must be 'up' or 'down'")
		return
	}
	did := viewerDID(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	up, down := s.countersLocked(req.Subject.URI)
	if up == nil {
		writeError(w, http.StatusNotFound, "SubjectNotFound", "The subject post or comment was not found")
		return
	}

	existing, had := s.votes[did][req.Subject.URI]
	if had {
		bump(existing.direction, up, down, -1)
	}
	if had && existing.direction == req.Direction {
		s.setVoteLocked(did, req.Subject.URI, "")
		writeJSON(w, map[string]any{"deleted": true})
		return
	}
	s.setVoteLocked(did, req.Subject.URI, req.Direction)
	bump(req.Direction, up, down, 1)
	v := s.votes[did][req.Subject.URI]
	writeJSON(w, map[string]string{"uri": v.uri, "cid": fmt.Sprintf("bafyvote%d", s.seq)})
}

func (s *Server) countersLocked(uri string) (up, down *int) {
	if p := s.findPostLocked(uri); p != nil {
		return &p.Upvotes, &p.Downvotes
	}
	if c := s.findCommentLocked(uri); c != nil {
		return &c.Upvotes, &c.Downvotes
	}
	return nil, nil
}

func bump(direction string, up, down *int, by int) {
	if direction == "up" {
		*up += by
	} else {
		*down += by
	}
}

// GET /xrpc/social.coves.community.list
func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	r, ok := s.optionalAuth(w, r)
	if !ok {
		return
	}
	did := viewerDID(r)
	onlySubscribed := r.URL.Query().Get("subscribed") == "true"
	if onlySubscribed && did == "" {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "Authentication required")
		return
	}

	s.mu.Lock()
	var selected []*Community
	for _, c := range s.communities {
		if onlySubscribed {
			if _, sub := s.subscriptions[did][c.DID]; !sub {
				continue
			}
		}
		selected = append(selected, c)
	}
	start, end, next, err := s.paginate(r, len(selected))
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	views := make([]map[string]any, 0, end-start)
	for _, c := range selected[start:end] {
		view := map[string]any{
			"did":             c.DID,
			"handle":          c.Handle,
			"name":            c.Name,
			"displayName":     c.DisplayName,
			"subscriberCount": c.SubscriberCount,
			"memberCount":     0,
			"postCount":       0,
		}
		if did != "" {
			_, sub := s.subscriptions[did][c.DID]
			view["viewer"] = map[string]any{"subscribed": sub}
		}
		views = append(views, view)
	}
	s.mu.Unlock()

	resp := map[string]any{"communities": views}
	if next != "" {
		resp["cursor"] = next
	}
	writeJSON(w, resp)
}

// POST /xrpc/social.coves.community.subscribe
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Community         string `json:"community"`
		ContentVisibility int    `json:"contentVisibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Community == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "community is required")
		return
	}
	did := viewerDID(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCommunityLocked(req.Community)
	if c == nil {
		writeError(w, http.StatusNotFound, "CommunityNotFound", "Community not found")
		return
	}
	if s.subscriptions[did] == nil {
		s.subscriptions[did] = make(map[string]string)
	}
	if uri, ok := s.subscriptions[did][c.DID]; ok {
		writeJSON(w, map[string]any{"uri": uri, "cid": "bafysub", "existing": true})
		return
	}
	s.seq++
	uri := fmt.Sprintf("at://%s/social.coves.community.subscription/s%d", did, s.seq)
	s.subscriptions[did][c.DID] = uri
	c.SubscriberCount++
	writeJSON(w, map[string]any{"uri": uri, "cid": "bafysub", "existing": false})
}

// POST /xrpc/social.coves.community.unsubscribe
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Community string `json:"community"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Community == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "community is required")
		return
	}
	did := viewerDID(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCommunityLocked(req.Community)
	if c == nil {
		writeError(w, http.StatusNotFound, "CommunityNotFound", "Community not found")
		return
	}
	if _, ok := s.subscriptions[did][c.DID]; !ok {
		writeError(w, http.StatusNotFound, "SubscriptionNotFound", "Not subscribed")
		return
	}
	delete(s.subscriptions[did], c.DID)
	c.SubscriberCount--
	writeJSON(w, map[string]any{"success": true})
}

// GET /xrpc/social.coves.actor.getProfile?actor=
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	r, ok := s.optionalAuth(w, r)
	if !ok {
		return
	}
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "actor parameter is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var acct *Account
	for _, a := range s.accounts {
		if a.DID == actor || a.Handle == actor {
			acct = a
			break
		}
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "ProfileNotFound", "Profile not found")
		return
	}

	posts, comments := 0, 0
	for _, p := range s.posts {
		if p.AuthorDID == acct.DID {
			posts++
		}
	}
	for _, c := range s.comments {
		if c.AuthorDID == acct.DID && !c.Deleted {
			comments++
		}
	}
	profile := map[string]any{
		"did":       acct.DID,
		"handle":    acct.Handle,
		"createdAt": acct.CreatedAt.Format(time.RFC3339),
		"stats": map[string]any{
			"postCount":       posts,
			"commentCount":    comments,
			"communityCount":  len(s.subscriptions[acct.DID]),
			"reputation":      0,
			"membershipCount": 0,
		},
	}
	if acct.DisplayName != "" {
		profile["displayName"] = acct.DisplayName
	}
	if acct.Bio != "" {
		profile["bio"] = acct.Bio
	}
	writeJSON(w, profile)
}

// POST /xrpc/social.coves.actor.updateProfile
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName *string `json:"displayName"`
		Bio         *string `json:"bio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}
	did := viewerDID(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[did]
	if acct == nil {
		writeError(w, http.StatusNotFound, "ProfileNotFound", "Profile not found")
		return
	}
	if req.DisplayName != nil {
		acct.DisplayName = *req.DisplayName
	}
	if req.Bio != nil {
		acct.Bio = *req.Bio
	}
	s.seq++
	writeJSON(w, map[string]string{
		"uri": "at://" + did + "/social.coves.actor.profile/self",
		"cid": fmt.Sprintf("bafyprofile%d", s.seq),
	})
}
