package feeds

import (
	"time"

	"CovesClient/internal/core/votes"
)

// Sort orders a feed.
type Sort string

const (
	SortHot Sort = "hot"
	SortTop Sort = "top"
	SortNew Sort = "new"
)

// Timeframe bounds a top-sorted feed.
type Timeframe string

const (
	TimeframeHour  Timeframe = "hour"
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
	TimeframeYear  Timeframe = "year"
	TimeframeAll   Timeframe = "all"
)

// Kind selects which feed endpoint to read.
type Kind string

const (
	KindTimeline  Kind = "timeline"
	KindDiscover  Kind = "discover"
	KindCommunity Kind = "community"
)

// Request describes a feed. Community is required for KindCommunity and
// accepts a DID or handle.
type Request struct {
	Kind      Kind
	Community string
	Sort      Sort
	Timeframe Timeframe
	Limit     int
}

// FeedResponse is one page of a feed.
// Matches the social.coves.feed.getTimeline / getDiscover output.
type FeedResponse struct {
	Cursor string          `json:"cursor,omitempty"`
	Feed   []*FeedViewPost `json:"feed"`
}

// FeedViewPost wraps a post with feed context.
type FeedViewPost struct {
	Post *PostView `json:"post"`
}

// PostView is a hydrated post as the AppView returns it.
type PostView struct {
	IndexedAt time.Time     `json:"indexedAt"`
	CreatedAt time.Time     `json:"createdAt"`
	Record    any           `json:"record,omitempty"`
	Embed     any           `json:"embed,omitempty"`
	Title     *string       `json:"title,omitempty"`
	Text      *string       `json:"text,omitempty"`
	Viewer    *ViewerState  `json:"viewer,omitempty"`
	Author    *AuthorView   `json:"author"`
	Stats     *PostStats    `json:"stats,omitempty"`
	Community *CommunityRef `json:"community"`
	RKey      string        `json:"rkey"`
	CID       string        `json:"cid"`
	URI       string        `json:"uri"`
}

// AuthorView represents author information in post views
type AuthorView struct {
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	DID         string  `json:"did"`
	Handle      string  `json:"handle"`
}

// CommunityRef represents minimal community info in post views
type CommunityRef struct {
	Avatar *string `json:"avatar,omitempty"`
	DID    string  `json:"did"`
	Handle string  `json:"handle"`
	Name   string  `json:"name"`
}

// PostStats represents aggregated statistics
type PostStats struct {
	Upvotes      int `json:"upvotes"`
	Downvotes    int `json:"downvotes"`
	Score        int `json:"score"`
	CommentCount int `json:"commentCount"`
}

// ViewerState represents the viewer's relationship with the post
type ViewerState struct {
	Vote    *string `json:"vote,omitempty"`
	VoteURI *string `json:"voteUri,omitempty"`
	Saved   bool    `json:"saved"`
}

// VoteViewer converts the viewer block for the vote store. A nil receiver or
// absent vote yields nil.
func (v *ViewerState) VoteViewer() *votes.Viewer {
	if v == nil || v.Vote == nil {
		return nil
	}
	out := &votes.Viewer{Vote: *v.Vote}
	if v.VoteURI != nil {
		out.VoteURI = *v.VoteURI
	}
	return out
}
