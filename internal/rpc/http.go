package rpc

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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UpsertRequest is the body of POST /rpc/v1/{table}.
type UpsertRequest struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// UpsertResponse is returned by a successful upsert.
type UpsertResponse struct {
	UpdatedAt string `json:"updated_at"`
}

// QueryResponse is returned by GET /rpc/v1/{table}.
type QueryResponse struct {
	Rows []json.RawMessage `json:"rows"`
}

// ErrorBody is the problem document returned by the remote store.
type ErrorBody struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient talks to the remote store over JSON/HTTP. Requests are
// throttled by a token bucket, which is the concurrency ceiling the push
// orchestrator relies on.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	apiKey string
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SetAPIKey replaces the bearer token, used after the session is restored.
func (c *HTTPClient) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// Upsert implements Client.
func (c *HTTPClient) Upsert(ctx context.Context, table, key string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(UpsertRequest{Key: key, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var resp UpsertResponse
	if err := c.do(ctx, http.MethodPost, "/rpc/v1/"+url.PathEscape(table), body, &resp); err != nil {
		return "", err
	}
	return resp.UpdatedAt, nil
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, table, key string) error {
	path := "/rpc/v1/" + url.PathEscape(table) + "/" + url.PathEscape(key)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Query implements Client.
func (c *HTTPClient) Query(ctx context.Context, table string, filter Filter) ([]json.RawMessage, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	path := "/rpc/v1/" + url.PathEscape(table)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp QueryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// do sends a request and decodes either the success body into out or the
// problem body into an *Error.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.baseURL == "" {
		return ErrNotInitialized
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return NetworkError(err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NetworkError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var pb ErrorBody
	if err := json.Unmarshal(data, &pb); err != nil || pb.Code == "" {
		msg := strings.TrimSpace(string(data))
		if pb.Detail != "" {
			msg = pb.Detail
		}
		return &Error{Code: CodeForStatus(resp.StatusCode), Message: msg, Status: resp.StatusCode}
	}
	return &Error{Code: pb.Code, Message: pb.Detail, Status: resp.StatusCode}
}
