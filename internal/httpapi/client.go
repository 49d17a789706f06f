package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cybertec-postgresql/regionsync/internal/model"
)

// Client talks to a regionsync server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// gets a default with a two minute timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// Push uploads a snapshot of region for merging into the master
func (c *Client) Push(ctx context.Context, region, reason string, snap model.Snapshot) (PushResponse, error) {
	var out PushResponse
	headers := map[string]string{HeaderRegion: region}
	if reason != "" {
		headers[HeaderReason] = reason
	}
	err := c.doJSON(ctx, http.MethodPost, "/sync", headers, snap, &out)
	return out, err
}

// Pull downloads the master snapshot, restricted to region when not empty.
// It returns ErrNoMaster when the master holds no data.
func (c *Client) Pull(ctx context.Context, region string) (model.Snapshot, error) {
	path := "/sync/download"
	if region != "" {
		path += "?region=" + url.QueryEscape(region)
	}
	var snap model.Snapshot
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &snap)
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode == http.StatusNotFound {
		return model.Snapshot{}, ErrNoMaster
	}
	return snap, err
}

// Status returns the master statistics
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/sync/status", nil, nil, &out)
	return out, err
}

// Reachable probes the unauthenticated auto-sync endpoint
func (c *Client) Reachable(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodHead, "/auto-sync", nil, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	op := method + " " + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set(HeaderAPIKey, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	}

	var errResp ErrorResponse
	if json.Unmarshal(payload, &errResp) != nil || errResp.Error == "" {
		errResp.Error = strings.TrimSpace(string(payload))
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{StatusCode: resp.StatusCode, Message: errResp.Error}
	case resp.StatusCode >= 500 && errResp.Code == CodeMergeFailed:
		return &MergeError{StatusCode: resp.StatusCode, Message: errResp.Error}
	default:
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}
}
