package users

import (
	"time"
)

// ProfileStats contains aggregated user statistics
// Matches the social.coves.actor.defs#profileStats lexicon
type ProfileStats struct {
	PostCount       int `json:"postCount"`
	CommentCount    int `json:"commentCount"`
	CommunityCount  int `json:"communityCount"`  // Number of communities subscribed to
	Reputation      int `json:"reputation"`      // Global reputation score (sum across communities)
	MembershipCount int `json:"membershipCount"` // Number of communities with active membership
}

// ProfileViewDetailed is the full profile response
// Matches the social.coves.actor.defs#profileViewDetailed lexicon
type ProfileViewDetailed struct {
	CreatedAt   time.Time     `json:"createdAt"`
	Stats       *ProfileStats `json:"stats,omitempty"`
	DID         string        `json:"did"`
	Handle      string        `json:"handle,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
	Bio         string        `json:"bio,omitempty"`
	Avatar      string        `json:"avatar,omitempty"`
}

// UpdateProfileRequest changes the signed-in user's profile. Nil fields are
// left as they are.
type UpdateProfileRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	Bio         *string `json:"bio,omitempty"`
}

// UpdateProfileResponse names the written profile record.
type UpdateProfileResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}
