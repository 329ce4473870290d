package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static errors for upload API client operations.
var (
	// ErrBaseURLRequired is returned when the API base URL is not provided.
	ErrBaseURLRequired = errors.New("uploader: base URL is required")
	// ErrUserIDRequired is returned when the user ID is not provided.
	ErrUserIDRequired = errors.New("uploader: user ID is required")
	// ErrRequestFailed is returned when the API rejects a request with a
	// non-2xx status code.
	ErrRequestFailed = errors.New("uploader: request failed")
	// ErrWriteRejected is returned when a storage write URL rejects the
	// payload.
	ErrWriteRejected = errors.New("uploader: storage write rejected")
)

const userIDHeader = "X-User-ID"

// Client talks to the upload session API on behalf of one user, and
// performs the direct-to-storage writes against the capability URLs the
// API hands out.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient creates an upload API client. baseURL points at the session
// service, userID identifies the caller on every request.
func NewClient(baseURL, userID string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	c := &Client{
		baseURL:    baseURL,
		userID:     userID,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initiate starts an upload session.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	var resp InitiateResponse
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/uploads", req, &resp)
	return resp, err
}

// PartURL fetches the write capability for one part of a multipart
// session.
func (c *Client) PartURL(ctx context.Context, sessionID string, partNumber int) (string, error) {
	var resp partURLResponse
	u := fmt.Sprintf("%s/uploads/%s/parts/%d/url", c.baseURL, sessionID, partNumber)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Complete finalizes the session with the collected part list.
func (c *Client) Complete(ctx context.Context, sessionID string, parts []CompletedPart) (StatusResponse, error) {
	var resp StatusResponse
	err := c.doJSON(ctx, http.MethodPut, c.baseURL+"/uploads/"+sessionID, CompleteRequest{Parts: parts}, &resp)
	return resp, err
}

// Status fetches the session's current status.
func (c *Client) Status(ctx context.Context, sessionID string) (StatusResponse, error) {
	var resp StatusResponse
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/uploads/"+sessionID, nil, &resp)
	return resp, err
}

// Abort cancels the session. The server treats this as idempotent.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.baseURL+"/uploads/"+sessionID, nil, nil)
}

// WriteBlob PUTs data to a storage capability URL and returns the etag
// the store reported, which may be empty for block-composition backends.
// headers carries whatever the store requires beyond the URL itself, as
// reported in the initiate response.
func (c *Client) WriteBlob(ctx context.Context, writeURL, contentType string, headers map[string]string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, writeURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("uploader: create write request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploader: storage write: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%w with status %d: %s", ErrWriteRejected, resp.StatusCode, string(body))
	}

	return trimETag(resp.Header.Get("ETag")), nil
}

// trimETag strips the surrounding quotes stores put on etag headers.
func trimETag(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// doJSON performs a single JSON API request.
func (c *Client) doJSON(ctx context.Context, method, url string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("uploader: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("uploader: create request: %w", err)
	}
	req.Header.Set(userIDHeader, c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("uploader: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("uploader: unmarshal response: %w", err)
		}
	}
	return nil
}
