// Package rest is the HTTP client for the discussion API. Every call takes a
// context, carries the current access token as a bearer credential, and maps
// non-2xx responses to *APIError.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"threadkit/token"
)

// APIError is a non-2xx response from the discussion API. Code and Message
// come from the response body when the server supplies them.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err carries an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == status
}

// Client talks to one discussion API deployment on behalf of one site.
type Client struct {
	baseURL string
	siteID  string
	http    *http.Client
	tokens  *token.Store
}

// New builds a client. tokens may be nil for a read-only, signed-out client.
func New(baseURL, siteID string, timeout time.Duration, tokens *token.Store) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		siteID:  siteID,
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// do runs one API call with retry on transient failures. Responses with a
// 4xx status are never retried; the server has spoken.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	return retry.Do(
		func() error {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Site-ID", c.siteID)
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if c.tokens != nil {
				if access := c.tokens.Access(); access != "" {
					req.Header.Set("Authorization", "Bearer "+access)
				}
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			defer func() {
				_ = resp.Body.Close()
			}()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				apiErr := decodeAPIError(resp)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(apiErr)
				}
				return apiErr
			}

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
	)
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return apiErr
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}
	if body.Code != "" {
		apiErr.Code = body.Code
	}
	if body.Message != "" {
		apiErr.Message = body.Message
	}
	return apiErr
}
