package communities

import (
	"fmt"
	"strings"
)

// CommunityViewerState contains viewer-specific state for community list views.
//
// Fields use *bool to represent three states:
//   - nil: State not queried (unauthenticated request)
//   - true: User has this relationship
//   - false: User does not have this relationship
type CommunityViewerState struct {
	Subscribed *bool `json:"subscribed,omitempty"`
	Member     *bool `json:"member,omitempty"`
}

// CommunityView is the API view for community lists
// Based on social.coves.community.defs#communityView lexicon
type CommunityView struct {
	DID             string                `json:"did"`
	Handle          string                `json:"handle,omitempty"`
	Name            string                `json:"name"`
	DisplayName     string                `json:"displayName,omitempty"`
	DisplayHandle   string                `json:"displayHandle,omitempty"`
	Avatar          string                `json:"avatar,omitempty"`
	Visibility      string                `json:"visibility,omitempty"`
	SubscriberCount int                   `json:"subscriberCount"`
	MemberCount     int                   `json:"memberCount"`
	PostCount       int                   `json:"postCount"`
	Viewer          *CommunityViewerState `json:"viewer,omitempty"`
}

// ListCommunitiesRequest represents query parameters for listing communities
type ListCommunitiesRequest struct {
	Sort       string // Enum: popular, active, new, alphabetical
	Limit      int    // 1-100, default 50
	Subscribed bool   // Only communities the viewer subscribes to
}

// ListCommunitiesResponse is one page of communities.
type ListCommunitiesResponse struct {
	Cursor      string           `json:"cursor,omitempty"`
	Communities []*CommunityView `json:"communities"`
}

type subscribeRequest struct {
	Community         string `json:"community"`
	ContentVisibility int    `json:"contentVisibility"`
}

type subscribeResponse struct {
	URI      string `json:"uri"`
	CID      string `json:"cid"`
	Existing bool   `json:"existing"`
}

type unsubscribeRequest struct {
	Community string `json:"community"`
}

// SubscriptionState is the local view of the viewer's subscription to one
// community.
type SubscriptionState struct {
	// URI names the subscription record once the server has confirmed it.
	URI        string
	Subscribed bool
}

// GetDisplayHandle returns the user-facing display format for a community handle
// Following Bluesky's pattern where client adds @ prefix for users, but for communities we use ! prefix
// Example: "c-gardening.coves.social" -> "!gardening@coves.social"
// The server's displayHandle wins when present.
func (c *CommunityView) GetDisplayHandle() string {
	if c.DisplayHandle != "" {
		return c.DisplayHandle
	}
	// Handle format: c-{name}.{instance}
	if !strings.HasPrefix(c.Handle, "c-") {
		return c.Handle
	}
	afterPrefix := c.Handle[2:]
	dotIndex := strings.Index(afterPrefix, ".")
	if dotIndex <= 0 {
		return c.Handle
	}
	return fmt.Sprintf("!%s@%s", afterPrefix[:dotIndex], afterPrefix[dotIndex+1:])
}
