package users

import (
	"context"
	"net/url"

	"CovesClient/internal/atproto/xrpc"
)

const (
	getProfileNSID    = "social.coves.actor.getProfile"
	updateProfileNSID = "social.coves.actor.updateProfile"
)

// AppViewAPI implements ProfileAPI over the AppView's XRPC endpoints.
type AppViewAPI struct {
	xrpc xrpc.Caller
}

// NewAppViewAPI creates a ProfileAPI. Reads work unauthenticated; updates
// need an authenticated client.
func NewAppViewAPI(c xrpc.Caller) *AppViewAPI {
	return &AppViewAPI{xrpc: c}
}

func (a *AppViewAPI) GetProfile(ctx context.Context, actor string) (*ProfileViewDetailed, error) {
	var profile ProfileViewDetailed
	if err := a.xrpc.Get(ctx, getProfileNSID, url.Values{"actor": {actor}}, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (a *AppViewAPI) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*UpdateProfileResponse, error) {
	var resp UpdateProfileResponse
	if err := a.xrpc.Post(ctx, updateProfileNSID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
