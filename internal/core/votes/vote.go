package votes

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Collection is the repository collection vote records live in.
const Collection = "social.coves.feed.vote"

// Direction is "up" or "down".
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Up:
		return Up, nil
	case Down:
		return Down, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// Value is the direction's contribution to a score: +1 for up, -1 for down.
func (d Direction) Value() int {
	switch d {
	case Up:
		return 1
	case Down:
		return -1
	default:
		return 0
	}
}

// StrongRef represents a strong reference to a record (URI + CID)
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Validate checks the URI is an AT-URI and the CID is present.
func (r StrongRef) Validate() error {
	if _, err := syntax.ParseATURI(r.URI); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, r.URI)
	}
	if r.CID == "" {
		return fmt.Errorf("%w: cid is required", ErrInvalidSubject)
	}
	return nil
}

// VoteState is the local view of the user's vote on one subject.
type VoteState struct {
	Direction Direction
	// URI and RKey identify the vote record once the server has confirmed it.
	URI  string
	RKey string
	// Deleted marks a toggled-off vote.
	Deleted bool
}

// Active reports whether the vote counts.
func (v VoteState) Active() bool {
	return !v.Deleted && v.Direction != ""
}

// Viewer is the per-viewer vote block the AppView attaches to posts and
// comments.
type Viewer struct {
	Vote    string `json:"vote,omitempty"`
	VoteURI string `json:"voteUri,omitempty"`
}

// VoteRecord is the record written to the user's repository by the
// direct-to-PDS variant.
type VoteRecord struct {
	Type      string    `json:"$type"`
	Subject   StrongRef `json:"subject"`
	Direction string    `json:"direction"`
	CreatedAt string    `json:"createdAt"`
}

