// Package httpstore implements remote.Store against a threadvault HTTP gateway.
package httpstore

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

	"github.com/jkaninda/threadvault/internal/remote"
)

// Error codes returned by the gateway in the "code" field of an error body.
const (
	CodeNotFound       = "not_found"
	CodeParentNotFound = "parent_not_found"
	CodeInvalidRequest = "invalid_request"
)

// ErrorBody is the JSON error payload of the gateway.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusError is returned for non-2xx responses that carry no known error code.
type StatusError struct {
	StatusCode int
	Body       ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Body.Error)
	}
	return fmt.Sprintf("gateway error (status %d)", e.StatusCode)
}

// Client implements remote.Store over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a gateway client rooted at baseURL. A nil logger discards output.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) messagesURL(threadID string, extra ...string) string {
	u := c.baseURL + "/v1/threads/" + url.PathEscape(threadID) + "/messages"
	for _, seg := range extra {
		u += "/" + url.PathEscape(seg)
	}
	return u
}

// Create calls POST /v1/threads/{thread_id}/messages.
func (c *Client) Create(ctx context.Context, threadID string, req remote.CreateRequest) (remote.CreateResponse, error) {
	var resp remote.CreateResponse
	if err := c.do(ctx, http.MethodPost, c.messagesURL(threadID), req, &resp); err != nil {
		return remote.CreateResponse{}, fmt.Errorf("creating message: %w", err)
	}
	return resp, nil
}

// Update calls PUT /v1/threads/{thread_id}/messages/{message_id}.
func (c *Client) Update(ctx context.Context, threadID, messageID string, req remote.UpdateRequest) error {
	if err := c.do(ctx, http.MethodPut, c.messagesURL(threadID, messageID), req, nil); err != nil {
		return fmt.Errorf("updating message %s: %w", messageID, err)
	}
	return nil
}

// List calls GET /v1/threads/{thread_id}/messages.
func (c *Client) List(ctx context.Context, threadID string, opts remote.ListOptions) (remote.ListResponse, error) {
	u := c.messagesURL(threadID)
	if opts.Format != "" {
		u += "?" + url.Values{"format": {opts.Format}}.Encode()
	}
	var resp remote.ListResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return remote.ListResponse{}, fmt.Errorf("listing messages: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	c.logger.DebugContext(ctx, "gateway request completed",
		slog.String("method", method),
		slog.String("url", u),
		slog.Int("status", httpResp.StatusCode),
	)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return decodeError(httpResp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// decodeError maps the gateway error code back to the remote sentinels.
func decodeError(status int, body []byte) error {
	var eb ErrorBody
	_ = json.Unmarshal(body, &eb)
	if eb.Error == "" && eb.Code == "" {
		eb.Error = string(bytes.TrimSpace(body))
	}

	var sentinel error
	switch eb.Code {
	case CodeNotFound:
		sentinel = remote.ErrMessageNotFound
	case CodeParentNotFound:
		sentinel = remote.ErrParentNotFound
	case CodeInvalidRequest:
		sentinel = remote.ErrInvalidRequest
	default:
		return &StatusError{StatusCode: status, Body: eb}
	}
	if eb.Error == "" {
		return sentinel
	}
	return errors.Join(sentinel, errors.New(eb.Error))
}

var _ remote.Store = (*Client)(nil)
