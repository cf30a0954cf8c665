package comments

// GetCommentsRequest selects a comment thread.
type GetCommentsRequest struct {
	PostURI   string
	Sort      string
	Timeframe string
	// Depth limits reply nesting, 1-100. Zero selects the default of 10.
	Depth int
	// Limit is top-level comments per page, 1-100. Zero selects 50.
	Limit int
}

// CreateCommentRequest contains parameters for creating a comment
type CreateCommentRequest struct {
	Reply   ReplyRef    `json:"reply"`
	Content string      `json:"content"`
	Langs   []string    `json:"langs,omitempty"`
	Labels  *SelfLabels `json:"labels,omitempty"`
}

// CreateCommentResponse contains the result of creating a comment
type CreateCommentResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// DeleteCommentRequest contains parameters for deleting a comment
type DeleteCommentRequest struct {
	URI string `json:"uri"`
}
