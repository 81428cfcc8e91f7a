package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amurg-ai/permbridge/pkg/protocol"
)

// Client talks to a running bridge's API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the API at baseURL. A bare host:port is
// treated as http. token may be empty when the API has auth disabled.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Pending fetches the requests awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]PendingView, error) {
	var out []PendingView
	err := c.do(ctx, http.MethodGet, "/api/pending", nil, &out)
	return out, err
}

// Decide submits a decision. sent is false when the bridge queued it
// because the peer is unreachable. An unknown requestID yields
// ErrNotPending.
func (c *Client) Decide(ctx context.Context, requestID string, decision protocol.Decision, updatedInput map[string]any) (sent bool, err error) {
	var resp struct {
		Sent bool `json:"sent"`
	}
	body := DecisionRequest{Decision: string(decision), UpdatedInput: updatedInput}
	path := "/api/pending/" + url.PathEscape(requestID) + "/decision"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return false, err
	}
	return resp.Sent, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&e)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusNotFound:
			if e.Error == "request not pending" {
				return ErrNotPending
			}
		}
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
