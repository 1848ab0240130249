package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client queries the history REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a history client for the given API base URL,
// e.g. "https://api.vowsmith.app". A nil httpClient gets a 10s timeout
// default.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}, nil
}

// Option refines a history query.
type Option func(q url.Values)

// WithStartDate limits results to events at or after t.
func WithStartDate(t time.Time) Option {
	return func(q url.Values) { q.Set("start_date", t.UTC().Format(time.RFC3339)) }
}

// WithEndDate limits results to events at or before t.
func WithEndDate(t time.Time) Option {
	return func(q url.Values) { q.Set("end_date", t.UTC().Format(time.RFC3339)) }
}

// WithEventTypes filters to the given event types.
func WithEventTypes(types ...EventType) Option {
	return func(q url.Values) {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = string(t)
		}
		q.Set("event_types_filter", strings.Join(parts, ","))
	}
}

// GetHistory fetches one page of session events at the given offset.
// Failures surface as *FetchError; there is no built-in retry.
func (c *Client) GetHistory(ctx context.Context, sessionID string, limit, offset int, opts ...Option) (*Page, error) {
	if sessionID == "" {
		return nil, &FetchError{Err: fmt.Errorf("session id is required")}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	for _, opt := range opts {
		opt(q)
	}

	u := fmt.Sprintf("%s/sessions/%s/history?%s", c.baseURL, url.PathEscape(sessionID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{
			Status: resp.StatusCode,
			URL:    u,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &FetchError{Status: resp.StatusCode, URL: u, Err: fmt.Errorf("decode response: %w", err)}
	}

	c.logger.Debug("history page fetched",
		zap.String("session_id", sessionID),
		zap.Int("offset", offset),
		zap.Int("events", len(page.Events)),
		zap.Bool("has_more", page.HasMore),
	)
	return &page, nil
}
