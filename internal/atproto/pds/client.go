// Package pds talks directly to the signed-in user's PDS repository. It is
// only used by the direct-to-PDS vote variant; the default path writes
// through the AppView.
package pds

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"CovesClient/internal/core/apierrors"
)

// Client provides authenticated access to a user's PDS repository.
type Client interface {
	// CreateRecord creates a record in the user's repository.
	// If rkey is empty, the PDS generates a TID.
	CreateRecord(ctx context.Context, collection string, rkey string, record any) (uri string, cid string, err error)

	// DeleteRecord deletes a record from the user's repository.
	DeleteRecord(ctx context.Context, collection string, rkey string) error

	// ListRecords lists records in a collection. An empty Cursor in the
	// response means there are no more pages.
	ListRecords(ctx context.Context, collection string, limit int, cursor string) (*ListRecordsResponse, error)

	// GetRecord retrieves a single record by collection and rkey.
	GetRecord(ctx context.Context, collection string, rkey string) (*RecordResponse, error)

	// DID returns the authenticated user's DID.
	DID() string

	// HostURL returns the PDS host URL.
	HostURL() string
}

// ListRecordsResponse contains the result of a ListRecords call.
type ListRecordsResponse struct {
	Cursor  string
	Records []RecordEntry
}

// RecordEntry represents a single record from a list operation.
type RecordEntry struct {
	Value map[string]any
	URI   string
	CID   string
}

// RecordResponse contains a single record retrieved from the PDS.
type RecordResponse struct {
	Value map[string]any
	URI   string
	CID   string
}

type client struct {
	apiClient *atclient.APIClient
	did       string
	host      string
}

var _ Client = (*client)(nil)

// wrapAPIError maps atclient failures into the client error taxonomy.
func wrapAPIError(err error, operation string) error {
	if err == nil {
		return nil
	}
	var apiErr *atclient.APIError
	if errors.As(err, &apiErr) {
		e := apierrors.FromStatus(operation, apiErr.StatusCode, apiErr.Name, apiErr.Message)
		e.Err = err
		return e
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return apierrors.Network(operation, err)
}

func (c *client) DID() string {
	return c.did
}

func (c *client) HostURL() string {
	return c.host
}

func (c *client) CreateRecord(ctx context.Context, collection string, rkey string, record any) (string, string, error) {
	payload := map[string]any{
		"repo":       c.did,
		"collection": collection,
		"record":     record,
	}
	if rkey != "" {
		payload["rkey"] = rkey
	}

	var result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := c.apiClient.Post(ctx, syntax.NSID("com.atproto.repo.createRecord"), payload, &result); err != nil {
		return "", "", wrapAPIError(err, "createRecord")
	}
	return result.URI, result.CID, nil
}

func (c *client) DeleteRecord(ctx context.Context, collection string, rkey string) error {
	payload := map[string]any{
		"repo":       c.did,
		"collection": collection,
		"rkey":       rkey,
	}
	if err := c.apiClient.Post(ctx, syntax.NSID("com.atproto.repo.deleteRecord"), payload, nil); err != nil {
		return wrapAPIError(err, "deleteRecord")
	}
	return nil
}

func (c *client) ListRecords(ctx context.Context, collection string, limit int, cursor string) (*ListRecordsResponse, error) {
	params := map[string]any{
		"repo":       c.did,
		"collection": collection,
		"limit":      limit,
	}
	if cursor != "" {
		params["cursor"] = cursor
	}

	var result struct {
		Cursor  string `json:"cursor"`
		Records []struct {
			Value map[string]any `json:"value"`
			URI   string         `json:"uri"`
			CID   string         `json:"cid"`
		} `json:"records"`
	}
	if err := c.apiClient.Get(ctx, syntax.NSID("com.atproto.repo.listRecords"), params, &result); err != nil {
		return nil, wrapAPIError(err, "listRecords")
	}

	resp := &ListRecordsResponse{
		Cursor:  result.Cursor,
		Records: make([]RecordEntry, len(result.Records)),
	}
	for i, rec := range result.Records {
		resp.Records[i] = RecordEntry{URI: rec.URI, CID: rec.CID, Value: rec.Value}
	}
	return resp, nil
}

func (c *client) GetRecord(ctx context.Context, collection string, rkey string) (*RecordResponse, error) {
	params := map[string]any{
		"repo":       c.did,
		"collection": collection,
		"rkey":       rkey,
	}

	var result struct {
		Value map[string]any `json:"value"`
		URI   string         `json:"uri"`
		CID   string         `json:"cid"`
	}
	if err := c.apiClient.Get(ctx, syntax.NSID("com.atproto.repo.getRecord"), params, &result); err != nil {
		return nil, wrapAPIError(err, "getRecord")
	}
	return &RecordResponse{URI: result.URI, CID: result.CID, Value: result.Value}, nil
}
