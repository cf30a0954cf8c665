// Package xrpc is the HTTP layer between the client and the Coves AppView.
// It speaks JSON over XRPC-style endpoints and translates every failure into
// the apierrors taxonomy.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"CovesClient/internal/core/apierrors"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Options configures a Client.
type Options struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
	Timeout   time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Caller is the subset of Client the domain services depend on.
type Caller interface {
	Get(ctx context.Context, nsid string, params url.Values, out any) error
	Post(ctx context.Context, nsid string, body any, out any) error
}

var _ Caller = (*Client)(nil)

// Client issues JSON requests against a base URL.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	baseURL    string
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		limiter: limiter,
		logger:  opts.Logger,
	}
}

// WithTransport returns a copy of c that sends requests through rt. The rate
// limiter is shared with c.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	clone := *c
	hc := *c.httpClient
	hc.Transport = rt
	clone.httpClient = &hc
	return &clone
}

// BaseURL returns the base URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get calls an XRPC query endpoint.
func (c *Client) Get(ctx context.Context, nsid string, params url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, "/xrpc/"+nsid, params, nil, out, nil)
}

// Post calls an XRPC procedure endpoint with a JSON body.
func (c *Client) Post(ctx context.Context, nsid string, body any, out any) error {
	return c.Do(ctx, http.MethodPost, "/xrpc/"+nsid, nil, body, out, nil)
}

// Do performs a request against path. body is JSON-encoded when non-nil and
// the response is decoded into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any, out any, header http.Header) error {
	op := operationName(path)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apierrors.Network(op, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return translateTransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(op, resp)
		c.logger.DebugContext(ctx, "xrpc request failed",
			"op", op,
			"status", resp.StatusCode,
			"code", apiErr.Code,
			"request_id", req.Header.Get("X-Request-Id"))
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &apierrors.Error{Kind: apierrors.KindServer, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("invalid response body: %w", err)}
	}
	return nil
}

// errorBody is the XRPC error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeError(op string, resp *http.Response) *apierrors.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || (body.Error == "" && body.Message == "") {
		// Plain-text errors from http.Error.
		body.Message = strings.TrimSpace(string(raw))
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}
	return apierrors.FromStatus(op, resp.StatusCode, body.Error, body.Message)
}

func translateTransportError(op string, err error) error {
	var srcErr *tokenSourceError
	if errors.As(err, &srcErr) {
		var apiErr *apierrors.Error
		if errors.As(srcErr.err, &apiErr) {
			return apiErr
		}
		return fmt.Errorf("%s: %w", op, srcErr.err)
	}
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, context.Canceled)
	}
	return apierrors.Network(op, err)
}

// operationName turns "/xrpc/social.coves.feed.getTimeline" into
// "social.coves.feed.getTimeline" and "/oauth/refresh" into "oauth/refresh".
func operationName(path string) string {
	path = strings.TrimPrefix(path, "/")
	return strings.TrimPrefix(path, "xrpc/")
}
