package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jcleary/sigscan/internal/types"
)

// Fetcher is the upstream call the coalescer wraps. *Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, account string, rangeDays int) ([]types.Post, error)
}

// CoalescerOptions tunes the time bucketing and in-flight safety timeout.
type CoalescerOptions struct {
	// BucketWidth is the cache time-bucket; callers inside one bucket share
	// a single upstream call.
	BucketWidth time.Duration
	// InflightTimeout deregisters a wedged in-flight call so it cannot block
	// future coalescing for its key forever.
	InflightTimeout time.Duration
	// RefreshTimeout bounds a background stale-refresh fetch.
	RefreshTimeout time.Duration
}

// DefaultCoalescerOptions returns the production tuning.
func DefaultCoalescerOptions() CoalescerOptions {
	return CoalescerOptions{
		BucketWidth:     4 * time.Hour,
		InflightTimeout: 2 * time.Minute,
		RefreshTimeout:  90 * time.Second,
	}
}

// Coalescer deduplicates concurrent fetches for the same account and range,
// and serves the previous bucket's result immediately while refreshing the
// fresh bucket in the background (stale-while-revalidate).
//
// State is process-local; on a multi-instance deployment each instance
// coalesces independently, which is safe because coalescing is purely an
// upstream-call saving, never a correctness requirement.
type Coalescer struct {
	fetcher Fetcher
	opts    CoalescerOptions
	log     *zap.SugaredLogger
	now     func() time.Time

	mu       sync.Mutex
	cache    map[string][]types.Post
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done  chan struct{}
	posts []types.Post
	err   error
}

// NewCoalescer creates a coalescer around the given fetcher. The registry
// lifetime is the coalescer's own, so tests get clean per-instance isolation.
func NewCoalescer(fetcher Fetcher, opts CoalescerOptions, log *zap.SugaredLogger) *Coalescer {
	return &Coalescer{
		fetcher:  fetcher,
		opts:     opts,
		log:      log,
		now:      time.Now,
		cache:    make(map[string][]types.Post),
		inflight: make(map[string]*inflightCall),
	}
}

// Result reports how a coalesced fetch was served.
type Result struct {
	Posts           []types.Post
	ServedFromCache bool
	Stale           bool
}

// Source adapts the coalescer to the plain Fetcher interface.
func (c *Coalescer) Source() Fetcher {
	return coalescedSource{c}
}

type coalescedSource struct {
	c *Coalescer
}

func (s coalescedSource) Fetch(ctx context.Context, account string, rangeDays int) ([]types.Post, error) {
	res, err := s.c.Fetch(ctx, account, rangeDays)
	return res.Posts, err
}

func (c *Coalescer) key(account string, rangeDays int, bucket int64) string {
	return fmt.Sprintf("%s|%d|%d", account, rangeDays, bucket)
}

// Fetch resolves, in order: fresh-bucket cache hit, stale previous-bucket hit
// (with non-blocking refresh), an in-flight call to share, or a new upstream
// fetch registered as in-flight.
func (c *Coalescer) Fetch(ctx context.Context, account string, rangeDays int) (Result, error) {
	bucket := c.now().Unix() / int64(c.opts.BucketWidth/time.Second)
	freshKey := c.key(account, rangeDays, bucket)
	staleKey := c.key(account, rangeDays, bucket-1)

	c.mu.Lock()

	if posts, ok := c.cache[freshKey]; ok {
		c.mu.Unlock()
		return Result{Posts: posts, ServedFromCache: true}, nil
	}

	if posts, ok := c.cache[staleKey]; ok {
		if _, refreshing := c.inflight[freshKey]; !refreshing {
			call := c.register(freshKey)
			go c.refresh(account, rangeDays, freshKey, call)
		}
		c.mu.Unlock()
		c.log.Debugf("[coalesce] @%s: serving stale bucket, refresh started", account)
		return Result{Posts: posts, ServedFromCache: true, Stale: true}, nil
	}

	if call, ok := c.inflight[freshKey]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return Result{Posts: call.posts, ServedFromCache: true}, call.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	call := c.register(freshKey)
	c.mu.Unlock()

	posts, err := c.fetcher.Fetch(ctx, account, rangeDays)
	c.complete(freshKey, call, posts, err)
	return Result{Posts: posts}, err
}

// register must be called with the mutex held.
func (c *Coalescer) register(key string) *inflightCall {
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call

	// Safety net: a wedged call must not block coalescing for its key.
	time.AfterFunc(c.opts.InflightTimeout, func() {
		c.mu.Lock()
		if c.inflight[key] == call {
			delete(c.inflight, key)
			c.log.Warnf("[coalesce] in-flight call for %s timed out, deregistered", key)
		}
		c.mu.Unlock()
	})

	return call
}

// complete publishes the call's result, populates the fresh bucket on
// success, and wakes every waiter.
func (c *Coalescer) complete(key string, call *inflightCall, posts []types.Post, err error) {
	c.mu.Lock()
	call.posts = posts
	call.err = err
	if err == nil {
		c.cache[key] = posts
	}
	if c.inflight[key] == call {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	close(call.done)
}

// refresh re-fetches the fresh bucket in the background after a stale serve.
func (c *Coalescer) refresh(account string, rangeDays int, key string, call *inflightCall) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
	defer cancel()

	posts, err := c.fetcher.Fetch(ctx, account, rangeDays)
	if err != nil {
		c.log.Warnf("[coalesce] background refresh for @%s failed: %v", account, err)
	}
	c.complete(key, call, posts, err)
}
