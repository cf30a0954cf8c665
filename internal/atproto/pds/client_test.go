package pds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"CovesClient/internal/core/apierrors"
)

const testDID = "did:plc:voter123"

func TestClientImplementsInterface(t *testing.T) {
	var _ Client = (*client)(nil)
}

func TestBearerAuth_ReadsTokenPerRequest(t *testing.T) {
	var captured []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = append(captured, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	token := "first"
	auth := &bearerAuth{token: func() string { return token }}

	for _, next := range []string{"first", "second"} {
		token = next
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		resp, err := auth.DoWithAuth(&http.Client{}, req, syntax.NSID("com.atproto.test"))
		if err != nil {
			t.Fatalf("DoWithAuth failed: %v", err)
		}
		_ = resp.Body.Close()
	}

	if len(captured) != 2 || captured[0] != "Bearer first" || captured[1] != "Bearer second" {
		t.Errorf("unexpected Authorization headers: %v", captured)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewFromAccessToken(server.URL, testDID, "access")
	if err != nil {
		t.Fatalf("NewFromAccessToken: %v", err)
	}
	return c
}

func TestClient_CreateRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.repo.createRecord" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["repo"] != testDID || body["collection"] != "social.coves.feed.vote" || body["rkey"] != "3kabc" {
			t.Errorf("unexpected payload: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uri": "at://" + testDID + "/social.coves.feed.vote/3kabc",
			"cid": "bafyvote",
		})
	})

	uri, cid, err := c.CreateRecord(context.Background(), "social.coves.feed.vote", "3kabc", map[string]any{"direction": "up"})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if uri != "at://"+testDID+"/social.coves.feed.vote/3kabc" || cid != "bafyvote" {
		t.Errorf("got %s %s", uri, cid)
	}
}

func TestClient_ListRecords(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("repo") != testDID || q.Get("collection") != "social.coves.feed.vote" || q.Get("cursor") != "c1" {
			t.Errorf("unexpected query: %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cursor": "c2",
			"records": []map[string]any{{
				"uri":   "at://" + testDID + "/social.coves.feed.vote/1",
				"cid":   "bafy1",
				"value": map[string]any{"direction": "down"},
			}},
		})
	})

	resp, err := c.ListRecords(context.Background(), "social.coves.feed.vote", 100, "c1")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if resp.Cursor != "c2" || len(resp.Records) != 1 || resp.Records[0].Value["direction"] != "down" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{name: "bad request", status: http.StatusBadRequest, sentinel: apierrors.ErrValidation},
		{name: "unauthorized", status: http.StatusUnauthorized, sentinel: apierrors.ErrAuthenticationRequired},
		{name: "not found", status: http.StatusNotFound, sentinel: apierrors.ErrNotFound},
		{name: "server", status: http.StatusInternalServerError, sentinel: apierrors.ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Oops", "message": "nope"})
			})

			err := c.DeleteRecord(context.Background(), "social.coves.feed.vote", "1")
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			var apiErr *atclient.APIError
			if !errors.As(err, &apiErr) {
				t.Errorf("original atclient error should stay in the chain: %v", err)
			}
		})
	}
}

func TestClient_TransportErrorIsNetwork(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	host := server.URL
	server.Close()

	c, err := NewFromAccessToken(host, testDID, "access")
	if err != nil {
		t.Fatalf("NewFromAccessToken: %v", err)
	}
	_, err = c.GetRecord(context.Background(), "social.coves.feed.vote", "1")
	if !errors.Is(err, apierrors.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestFactoryValidation(t *testing.T) {
	if _, err := NewFromAccessToken("", testDID, "t"); err == nil {
		t.Error("expected error for empty host")
	}
	if _, err := NewFromAccessToken("https://pds.example", "nope", "t"); err == nil {
		t.Error("expected error for invalid did")
	}
	if _, err := NewFromAccessToken("https://pds.example", testDID, ""); err == nil {
		t.Error("expected error for empty token")
	}
	c, err := NewFromAccessToken("https://pds.example", testDID, "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.DID() != testDID || c.HostURL() != "https://pds.example" {
		t.Errorf("unexpected identity %s %s", c.DID(), c.HostURL())
	}
}
