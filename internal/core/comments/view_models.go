package comments

import (
	"CovesClient/internal/core/feeds"
	"CovesClient/internal/core/votes"
)

// CommentView represents the full view of a comment with all metadata
// Matches social.coves.community.comment.getComments#commentView lexicon
// For deleted comments, IsDeleted=true and content-related fields are empty
type CommentView struct {
	Record         any                 `json:"record,omitempty"`
	Viewer         *CommentViewerState `json:"viewer,omitempty"`
	Author         *feeds.AuthorView   `json:"author"`
	Post           *CommentRef         `json:"post"`
	Parent         *CommentRef         `json:"parent,omitempty"`
	Stats          *CommentStats       `json:"stats"`
	Content        string              `json:"content"`
	CreatedAt      string              `json:"createdAt"`
	IndexedAt      string              `json:"indexedAt"`
	URI            string              `json:"uri"`
	CID            string              `json:"cid"`
	IsDeleted      bool                `json:"isDeleted,omitempty"`
	DeletionReason *string             `json:"deletionReason,omitempty"`
}

// ThreadViewComment represents a comment with its nested replies
// Matches social.coves.community.comment.getComments#threadViewComment lexicon
type ThreadViewComment struct {
	Comment *CommentView         `json:"comment"`
	Replies []*ThreadViewComment `json:"replies,omitempty"`
	HasMore bool                 `json:"hasMore,omitempty"`
}

// CommentRef is a minimal reference to a post or comment (URI + CID)
type CommentRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CommentStats represents aggregated statistics for a comment
type CommentStats struct {
	Upvotes    int `json:"upvotes"`
	Downvotes  int `json:"downvotes"`
	Score      int `json:"score"`
	ReplyCount int `json:"replyCount"`
}

// CommentViewerState represents the viewer's relationship with the comment
type CommentViewerState struct {
	Vote    *string `json:"vote,omitempty"`    // "up" or "down"
	VoteURI *string `json:"voteUri,omitempty"` // URI of the vote record
}

// VoteViewer converts the viewer block for the vote store.
func (v *CommentViewerState) VoteViewer() *votes.Viewer {
	if v == nil || v.Vote == nil {
		return nil
	}
	out := &votes.Viewer{Vote: *v.Vote}
	if v.VoteURI != nil {
		out.VoteURI = *v.VoteURI
	}
	return out
}

// GetCommentsResponse represents the response for fetching comments on a post
// Matches social.coves.community.comment.getComments lexicon output
type GetCommentsResponse struct {
	Post     *feeds.PostView      `json:"post"`
	Cursor   string               `json:"cursor,omitempty"`
	Comments []*ThreadViewComment `json:"comments"`
}

// Walk calls fn for every comment in the threads, parents before replies.
func Walk(threads []*ThreadViewComment, fn func(*ThreadViewComment)) {
	for _, t := range threads {
		if t == nil {
			continue
		}
		fn(t)
		Walk(t.Replies, fn)
	}
}
