package xrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CovesClient/internal/core/apierrors"
)

func TestClient_GetDecodesResponse(t *testing.T) {
	var gotQuery url.Values
	var gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/social.coves.feed.getDiscover", r.URL.Path)
		gotQuery = r.URL.Query()
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cursor": "next"})
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", Options{})
	var out struct {
		Cursor string `json:"cursor"`
	}
	err := c.Get(context.Background(), "social.coves.feed.getDiscover", url.Values{"sort": {"hot"}}, &out)
	require.NoError(t, err)

	assert.Equal(t, "next", out.Cursor)
	assert.Equal(t, "hot", gotQuery.Get("sort"))
	assert.NotEmpty(t, gotRequestID)
}

func TestClient_PostSendsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "did:plc:community", body["community"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, Options{})
	err := c.Post(context.Background(), "social.coves.community.unsubscribe", map[string]string{"community": "did:plc:community"}, nil)
	require.NoError(t, err)
}

func TestClient_ErrorTranslation(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
		message  string
	}{
		{name: "xrpc validation", status: 400, body: `{"error":"InvalidRequest","message":"subject is required"}`, sentinel: apierrors.ErrValidation, code: "InvalidRequest", message: "subject is required"},
		{name: "auth", status: 401, body: `{"error":"AuthRequired","message":"Authentication required"}`, sentinel: apierrors.ErrAuthenticationRequired, code: "AuthRequired", message: "Authentication required"},
		{name: "not found plain text", status: 404, body: "user not found\n", sentinel: apierrors.ErrNotFound, message: "user not found"},
		{name: "server empty body", status: 502, body: "", sentinel: apierrors.ErrServer, message: "Bad Gateway"},
		{name: "rate limited", status: 429, body: `{"error":"RateLimitExceeded","message":"slow down"}`, sentinel: apierrors.ErrUnknown, code: "RateLimitExceeded", message: "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(server.URL, Options{})
			err := c.Get(context.Background(), "social.coves.actor.getProfile", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *apierrors.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, "social.coves.actor.getProfile", apiErr.Op)
		})
	}
}

func TestClient_TimeoutIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, Options{Timeout: 20 * time.Millisecond})
	err := c.Get(context.Background(), "social.coves.feed.getDiscover", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrNetwork)
}

func TestClient_ConnectionRefusedIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	c := NewClient(addr, Options{Timeout: time.Second})
	err := c.Get(context.Background(), "social.coves.feed.getDiscover", nil, nil)
	assert.ErrorIs(t, err, apierrors.ErrNetwork)
}

func TestClient_CanceledContextIsNotNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(server.URL, Options{})
	err := c.Get(ctx, "social.coves.feed.getDiscover", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apierrors.ErrNetwork)
}

func TestClient_InvalidJSONIsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	c := NewClient(server.URL, Options{})
	var out map[string]any
	err := c.Get(context.Background(), "social.coves.feed.getDiscover", nil, &out)
	assert.ErrorIs(t, err, apierrors.ErrServer)
}

func TestOperationName(t *testing.T) {
	assert.Equal(t, "social.coves.feed.getTimeline", operationName("/xrpc/social.coves.feed.getTimeline"))
	assert.Equal(t, "oauth/refresh", operationName("/oauth/refresh"))
}
