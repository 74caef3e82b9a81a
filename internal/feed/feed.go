// Package feed provides the client for the external submissions feed.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/solvetrack/internal/config"
)

// Submission is one entry of the external submissions feed.
type Submission struct {
	Title         string `json:"title"`
	StatusDisplay string `json:"statusDisplay"`
	Runtime       string `json:"runtime"`
	Memory        string `json:"memory"`
	Lang          string `json:"lang"`
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
}

// SubmittedAtMilli parses the feed timestamp, which arrives either as
// epoch seconds or RFC3339 depending on the feed revision. Returns 0 when
// unparseable; callers keep the raw string in that case.
func (s Submission) SubmittedAtMilli() int64 {
	if s.Timestamp == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(s.Timestamp, 10, 64); err == nil {
		return secs * 1000
	}
	if t, err := time.Parse(time.RFC3339, s.Timestamp); err == nil {
		return t.UnixMilli()
	}
	return 0
}

type feedResponse struct {
	Submission []Submission `json:"submission"`
}

// Client fetches recent submissions for a user.
type Client struct {
	settings *config.Store
	client   *http.Client
}

// NewClient creates a feed client reading the base URL from settings.
func NewClient(settings *config.Store) *Client {
	return &Client{
		settings: settings,
		client:   &http.Client{},
	}
}

// Recent fetches the most recent submissions for a username.
func (c *Client) Recent(ctx context.Context, username string, limit int) ([]Submission, error) {
	if username == "" {
		return nil, nil
	}

	cfg := c.settings.Get()
	endpoint := fmt.Sprintf("%s/%s/submission?limit=%d", cfg.FeedBaseURL, url.PathEscape(username), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch submissions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("feed: unexpected status %d", resp.StatusCode)
	}

	var parsed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("feed: decode response: %w", err)
	}
	return parsed.Submission, nil
}
