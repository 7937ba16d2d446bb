package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcleary/sigscan/internal/logging"
)

func testClientOpts() Options {
	return Options{
		MaxPages:          5,
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		RateLimitFallback: 5 * time.Millisecond,
	}
}

func wirePage(posts []wirePost, nextCursor string) page {
	return page{
		Posts:       posts,
		NextCursor:  nextCursor,
		HasNextPage: nextCursor != "",
	}
}

func recentPost(id string, age time.Duration) wirePost {
	return wirePost{
		ID:           id,
		AuthorHandle: "alice",
		Text:         "post " + id,
		CreatedAt:    time.Now().Add(-age).Format(time.RFC3339),
		Likes:        "10",
	}
}

func TestFetchPaginatesUntilLastPage(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(wirePage([]wirePost{recentPost("1", time.Hour)}, "c2"))
		case "c2":
			json.NewEncoder(w).Encode(wirePage([]wirePost{recentPost("2", 2*time.Hour)}, ""))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testClientOpts(), logging.Nop())
	posts, err := c.Fetch(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	assert.Equal(t, "https://x.com/alice/status/1", posts[0].URL())
	assert.Equal(t, 10, posts[0].Likes)
}

func TestFetchStopsAtCutoff(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		json.NewEncoder(w).Encode(wirePage([]wirePost{
			recentPost("1", time.Hour),
			recentPost("2", 48 * time.Hour),
		}, "more"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testClientOpts(), logging.Nop())
	posts, err := c.Fetch(context.Background(), "alice", 1)
	require.NoError(t, err)

	// The out-of-range post is dropped and pagination stops.
	require.Len(t, posts, 1)
	assert.Equal(t, "1", posts[0].ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetchRespectsPageCap(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		json.NewEncoder(w).Encode(wirePage([]wirePost{recentPost(fmt.Sprint(n), time.Hour)}, fmt.Sprintf("c%d", n)))
	}))
	defer srv.Close()

	opts := testClientOpts()
	opts.MaxPages = 2
	c := New(srv.URL, "key", opts, logging.Nop())

	posts, err := c.Fetch(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Len(t, posts, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestFetchRetriesRateLimit(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(wirePage([]wirePost{recentPost("1", time.Hour)}, ""))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testClientOpts(), logging.Nop())
	posts, err := c.Fetch(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestFetchAuthFailureIsImmediate(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testClientOpts(), logging.Nop())
	_, err := c.Fetch(context.Background(), "alice", 1)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetchTwoErrorPagesReturnPartial(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		pg := wirePage(nil, fmt.Sprintf("c%d", n))
		if n == 1 {
			pg.Posts = []wirePost{recentPost("1", time.Hour)}
		} else {
			pg.Status = "error"
		}
		json.NewEncoder(w).Encode(pg)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", testClientOpts(), logging.Nop())
	posts, err := c.Fetch(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestFetchSendsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(wirePage(nil, ""))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", testClientOpts(), logging.Nop())
	_, err := c.Fetch(context.Background(), "alice", 1)
	require.NoError(t, err)
}

func TestParseMetric(t *testing.T) {
	cases := map[string]int{
		"":      0,
		"423":   423,
		"1.2K":  1200,
		"5.7M":  5700000,
		"2,431": 2431,
		"junk":  0,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseMetric(in), "parseMetric(%q)", in)
	}
}
