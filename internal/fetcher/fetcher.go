// Package fetcher retrieves recent posts for an account from the upstream
// cursor-paginated content API.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jcleary/sigscan/internal/types"
)

// ErrAuth marks a non-retryable upstream authentication failure (401/403).
var ErrAuth = errors.New("upstream authentication failed")

// Options tunes pagination and retry behavior.
type Options struct {
	// MaxPages is the hard page cap per account.
	MaxPages int
	// MaxRetries is the per-page retry count on transient failures.
	MaxRetries int
	// BackoffBase is the first retry delay; doubles per attempt, with jitter.
	BackoffBase time.Duration
	// RateLimitFallback is the 429 delay used when no Retry-After is given.
	RateLimitFallback time.Duration
	// RequestsPerSecond paces page requests; 0 disables pacing.
	RequestsPerSecond float64
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		MaxPages:          5,
		MaxRetries:        3,
		BackoffBase:       500 * time.Millisecond,
		RateLimitFallback: 15 * time.Second,
		RequestsPerSecond: 1,
	}
}

// Client fetches posts from the upstream content API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	opts       Options
	log        *zap.SugaredLogger
}

// New creates a new upstream client.
func New(baseURL, apiKey string, opts Options, log *zap.SugaredLogger) *Client {
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		opts:       opts,
		log:        log,
	}
}

// page is the upstream wire format for one page of posts.
type page struct {
	Posts       []wirePost `json:"posts"`
	NextCursor  string     `json:"next_cursor"`
	HasNextPage bool       `json:"has_next_page"`
	// Status is the upstream's own result marker, distinct from HTTP status.
	Status string `json:"status"`
}

type wirePost struct {
	ID            string            `json:"id"`
	AuthorHandle  string            `json:"author_handle"`
	AuthorName    string            `json:"author_name"`
	Text          string            `json:"text"`
	CreatedAt     string            `json:"created_at"`
	Likes         string            `json:"likes"`
	Reposts       string            `json:"reposts"`
	Replies       string            `json:"replies"`
	MediaURL      string            `json:"media_url,omitempty"`
	Quoted        *types.PostRef    `json:"quoted,omitempty"`
	ReplyTo       *types.PostRef    `json:"reply_to,omitempty"`
	ExpandedLinks map[string]string `json:"expanded_links,omitempty"`
}

// Fetch paginates the account's posts newer than now minus rangeDays.
// Pagination stops at the cutoff date, when the upstream reports no next
// page, or at the page cap. Two consecutive upstream "error" pages abort
// pagination; the posts accumulated so far are still returned.
func (c *Client) Fetch(ctx context.Context, account string, rangeDays int) ([]types.Post, error) {
	cutoff := time.Now().Add(-time.Duration(rangeDays) * 24 * time.Hour)

	var posts []types.Post
	cursor := ""
	errorPages := 0

	for pageNum := 0; pageNum < c.opts.MaxPages; pageNum++ {
		pg, err := c.fetchPage(ctx, account, cursor)
		if err != nil {
			return posts, err
		}

		if pg.Status == "error" {
			errorPages++
			if errorPages >= 2 {
				c.log.Warnf("[fetcher] @%s: two consecutive error pages, stopping with %d posts", account, len(posts))
				return posts, nil
			}
		} else {
			errorPages = 0
		}

		crossedCutoff := false
		for _, wp := range pg.Posts {
			p := convertPost(wp)
			if p.CreatedAt.Before(cutoff) {
				crossedCutoff = true
				continue
			}
			posts = append(posts, p)
		}

		if crossedCutoff {
			break
		}
		if !pg.HasNextPage || pg.NextCursor == "" {
			break
		}
		cursor = pg.NextCursor
	}

	c.log.Debugf("[fetcher] @%s: fetched %d posts in range", account, len(posts))
	return posts, nil
}

// fetchPage fetches a single page with retry and backoff.
func (c *Client) fetchPage(ctx context.Context, account, cursor string) (*page, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		pg, retryAfter, err := c.fetchPageOnce(ctx, account, cursor)
		if err == nil {
			return pg, nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err

		if attempt == c.opts.MaxRetries {
			break
		}

		delay := c.backoff(attempt, retryAfter)
		c.log.Debugf("[fetcher] @%s: page fetch failed (%v), retrying in %v", account, err, delay)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("page fetch for @%s failed after %d attempts: %w", account, c.opts.MaxRetries+1, lastErr)
}

// backoff computes the next retry delay. Rate-limit responses use the
// upstream hint when present, otherwise a longer fixed fallback.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if retryAfter < 0 {
		return c.opts.RateLimitFallback
	}
	delay := c.opts.BackoffBase * (1 << uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// fetchPageOnce performs one HTTP request. retryAfter is >0 when the
// upstream sent a usable Retry-After hint, <0 for a 429 without one,
// and 0 for all non-rate-limit failures.
func (c *Client) fetchPageOnce(ctx context.Context, account, cursor string) (pg *page, retryAfter time.Duration, err error) {
	url := fmt.Sprintf("%s/accounts/%s/posts", c.baseURL, account)
	if cursor != "" {
		url += "?cursor=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, fmt.Errorf("%w (status %d)", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return nil, time.Duration(secs) * time.Second, fmt.Errorf("rate limited (429)")
		}
		return nil, -1, fmt.Errorf("rate limited (429)")
	case resp.StatusCode != http.StatusOK:
		return nil, 0, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var decoded page
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, 0, fmt.Errorf("failed to parse page: %w", err)
	}
	return &decoded, 0, nil
}

// convertPost maps a wire post into the canonical form.
func convertPost(wp wirePost) types.Post {
	var createdAt time.Time
	if wp.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, wp.CreatedAt); err == nil {
			createdAt = parsed
		}
	}

	return types.Post{
		ID:            wp.ID,
		AuthorHandle:  wp.AuthorHandle,
		AuthorName:    wp.AuthorName,
		Text:          wp.Text,
		CreatedAt:     createdAt,
		Likes:         parseMetric(wp.Likes),
		Reposts:       parseMetric(wp.Reposts),
		Replies:       parseMetric(wp.Replies),
		MediaURL:      wp.MediaURL,
		Quoted:        wp.Quoted,
		ReplyTo:       wp.ReplyTo,
		ExpandedLinks: wp.ExpandedLinks,
		FetchedAt:     time.Now(),
	}
}

// parseMetric converts abbreviated metric strings like "1.2K", "5.7M", or "423" to integers
func parseMetric(s string) int {
	if s == "" {
		return 0
	}

	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")

	multiplier := 1.0
	if strings.HasSuffix(strings.ToUpper(s), "K") {
		multiplier = 1000
		s = s[:len(s)-1]
	} else if strings.HasSuffix(strings.ToUpper(s), "M") {
		multiplier = 1000000
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return int(value * multiplier)
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
