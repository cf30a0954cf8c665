package users

import "context"

// ProfileAPI is the remote side of profile reads and writes.
type ProfileAPI interface {
	// GetProfile retrieves a user's full profile with aggregated statistics.
	// actor is a DID or handle.
	GetProfile(ctx context.Context, actor string) (*ProfileViewDetailed, error)

	// UpdateProfile writes the signed-in user's profile record.
	UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*UpdateProfileResponse, error)
}
