// Package client is an HTTP client for the flageval admin and evaluation
// API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/TimurManjosov/flageval/internal/api"
	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/snapshot"
	"github.com/TimurManjosov/flageval/internal/store"
)

// APIError is a non-2xx response. Response is set when the body was a
// structured error.
type APIError struct {
	StatusCode int
	Response   *api.ErrorResponse
	Body       string
}

func (e *APIError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Response.Code, e.Response.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 response.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client is an HTTP client for the flageval API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) envPath(env string, parts ...string) string {
	p := c.BaseURL + "/v1/environments/" + url.PathEscape(env)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(bodyBytes))}
		var structured api.ErrorResponse
		if json.Unmarshal(bodyBytes, &structured) == nil && structured.Code != "" {
			apiErr.Response = &structured
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListFeatures retrieves every flag of env.
func (c *Client) ListFeatures(ctx context.Context, env string) ([]store.Flag, error) {
	var out struct {
		Features []store.Flag `json:"features"`
	}
	if err := c.do(ctx, http.MethodGet, c.envPath(env, "features"), nil, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

// GetFeature retrieves a single flag.
func (c *Client) GetFeature(ctx context.Context, env, id string) (*store.Flag, error) {
	var flag store.Flag
	if err := c.do(ctx, http.MethodGet, c.envPath(env, "features", id), nil, &flag); err != nil {
		return nil, err
	}
	return &flag, nil
}

// CreateFeature creates a flag.
func (c *Client) CreateFeature(ctx context.Context, env string, cmd command.CreateFeature) (*store.Flag, error) {
	var flag store.Flag
	if err := c.do(ctx, http.MethodPost, c.envPath(env, "features"), cmd, &flag); err != nil {
		return nil, err
	}
	return &flag, nil
}

// FeatureCommand sends a named command with its JSON payload to flag id and
// returns the resulting flag. payload may be nil.
func (c *Client) FeatureCommand(ctx context.Context, env, id, name string, payload any) (*store.Flag, error) {
	envelope := command.Envelope{Type: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		envelope.Payload = raw
	}
	var flag store.Flag
	if err := c.do(ctx, http.MethodPost, c.envPath(env, "features", id, "commands"), envelope, &flag); err != nil {
		return nil, err
	}
	return &flag, nil
}

// ListSegments retrieves every segment of env.
func (c *Client) ListSegments(ctx context.Context, env string) ([]store.Segment, error) {
	var out struct {
		Segments []store.Segment `json:"segments"`
	}
	if err := c.do(ctx, http.MethodGet, c.envPath(env, "segments"), nil, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

// Snapshot retrieves the active snapshot of env.
func (c *Client) Snapshot(ctx context.Context, env string) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	if err := c.do(ctx, http.MethodGet, c.envPath(env, "snapshot"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Evaluate evaluates the flags of env for the user in req.
func (c *Client) Evaluate(ctx context.Context, env string, req api.EvaluationRequest) (*api.EvaluationResponse, error) {
	var resp api.EvaluationResponse
	if err := c.do(ctx, http.MethodPost, c.envPath(env, "evaluations"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSegment creates an empty segment.
func (c *Client) CreateSegment(ctx context.Context, env string, cmd command.CreateSegment) (*store.Segment, error) {
	var seg store.Segment
	if err := c.do(ctx, http.MethodPost, c.envPath(env, "segments"), cmd, &seg); err != nil {
		return nil, err
	}
	return &seg, nil
}

// SegmentCommand sends a named command to segment id.
func (c *Client) SegmentCommand(ctx context.Context, env, id, name string, payload any) (*store.Segment, error) {
	envelope := command.Envelope{Type: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		envelope.Payload = raw
	}
	var seg store.Segment
	if err := c.do(ctx, http.MethodPost, c.envPath(env, "segments", id, "commands"), envelope, &seg); err != nil {
		return nil, err
	}
	return &seg, nil
}
