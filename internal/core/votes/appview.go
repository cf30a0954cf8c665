package votes

import (
	"context"

	"CovesClient/internal/atproto/utils"
	"CovesClient/internal/atproto/xrpc"
)

const createVoteNSID = "social.coves.feed.vote.create"

// AppViewBackend toggles votes through the AppView, which writes to the
// user's PDS on their behalf.
type AppViewBackend struct {
	xrpc xrpc.Caller
}

// NewAppViewBackend creates a backend over an authenticated client.
func NewAppViewBackend(c xrpc.Caller) *AppViewBackend {
	return &AppViewBackend{xrpc: c}
}

type createVoteRequest struct {
	Subject   StrongRef `json:"subject"`
	Direction string    `json:"direction"`
}

type createVoteResponse struct {
	URI     string `json:"uri"`
	CID     string `json:"cid"`
	Deleted bool   `json:"deleted"`
}

// Toggle implements Backend. The AppView applies the toggle rules itself and
// answers {"deleted": true} when the vote was removed.
func (b *AppViewBackend) Toggle(ctx context.Context, subject StrongRef, dir Direction, _ VoteState, _ bool) (VoteState, bool, error) {
	var resp createVoteResponse
	if err := b.xrpc.Post(ctx, createVoteNSID, createVoteRequest{Subject: subject, Direction: string(dir)}, &resp); err != nil {
		return VoteState{}, false, err
	}
	if resp.Deleted || resp.URI == "" {
		return VoteState{Direction: dir, Deleted: true}, true, nil
	}
	return VoteState{Direction: dir, URI: resp.URI, RKey: utils.ExtractRKeyFromURI(resp.URI)}, true, nil
}
