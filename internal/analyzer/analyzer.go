// Package analyzer runs post batches through an LLM provider with a bounded
// worker pool and taxonomy-driven retry.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jcleary/sigscan/internal/batch"
	"github.com/jcleary/sigscan/internal/types"
)

// CacheWriter receives completed per-post results as soon as each batch
// finishes, so partial progress survives cancellation of the rest.
type CacheWriter interface {
	PutMany(promptID string, entries map[string][]types.Signal) error
}

// Options tunes the worker pool.
type Options struct {
	// Concurrency is the worker count; expensive models run with less.
	Concurrency int
	// MaxAttempts bounds per-batch attempts on retryable failures.
	MaxAttempts int
	// BackoffBase is the first retry delay; doubles per attempt.
	BackoffBase time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Concurrency: 3,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
	}
}

// Pool is the analysis worker pool.
type Pool struct {
	provider Provider
	cache    CacheWriter
	opts     Options
	log      *zap.SugaredLogger
}

// NewPool creates a new analysis pool.
func NewPool(provider Provider, cache CacheWriter, opts Options, log *zap.SugaredLogger) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Pool{provider: provider, cache: cache, opts: opts, log: log}
}

// Request is one Analyze invocation.
type Request struct {
	// System is the analysis prompt sent as the provider's system message.
	System string
	// PromptID keys all cache writes for these results.
	PromptID string
	Batches  []batch.Batch
}

// Result carries the pool's combined output.
type Result struct {
	Signals []types.Signal
	// Failed counts batches that exhausted retries.
	Failed int
}

// Analyze runs every batch through the provider with bounded concurrency.
// Workers pull batches from a shared counter, so a fast batch frees its slot
// for the next pending one. Results are reassembled in batch-index order, so
// output ordering is deterministic given deterministic batch construction.
// A failed batch never aborts its siblings; Analyze returns an error only
// when every batch failed and no signals were produced, or on cancellation.
func (p *Pool) Analyze(ctx context.Context, req Request, onStatus func(string)) (Result, error) {
	if len(req.Batches) == 0 {
		return Result{}, nil
	}

	status := onStatus
	if status == nil {
		status = func(string) {}
	}

	results := make([][]types.Signal, len(req.Batches))
	failures := make([]error, len(req.Batches))

	var next int64
	var wg sync.WaitGroup

	workers := p.opts.Concurrency
	if workers > len(req.Batches) {
		workers = len(req.Batches)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1)) - 1
				if i >= len(req.Batches) {
					return
				}
				if ctx.Err() != nil {
					failures[i] = ctx.Err()
					return
				}
				signals, err := p.analyzeBatch(ctx, req, i, status)
				if err != nil {
					failures[i] = err
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					continue
				}
				results[i] = signals
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{}
	var failedMsgs []string
	for i := range req.Batches {
		if failures[i] != nil {
			res.Failed++
			failedMsgs = append(failedMsgs, fmt.Sprintf("batch %d: %v", i+1, failures[i]))
			continue
		}
		res.Signals = append(res.Signals, results[i]...)
	}

	if res.Failed == len(req.Batches) && len(res.Signals) == 0 {
		return res, fmt.Errorf("all %d analysis batches failed: %s", res.Failed, strings.Join(failedMsgs, "; "))
	}
	if res.Failed > 0 {
		p.log.Warnf("[analyzer] %d/%d batches failed: %s", res.Failed, len(req.Batches), strings.Join(failedMsgs, "; "))
	}

	return res, nil
}

// analyzeBatch runs one batch with retry and writes its results into the
// per-post cache, including empty entries for covered posts that matched
// nothing, so "analyzed, no signal" is not re-analyzed later.
func (p *Pool) analyzeBatch(ctx context.Context, req Request, idx int, status func(string)) ([]types.Signal, error) {
	b := req.Batches[idx]
	total := len(req.Batches)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status(fmt.Sprintf("batch %d/%d: analyzing (%d posts)...", idx+1, total, len(b.PostURLs)))

		var streamed int64
		completion, err := p.provider.Complete(ctx, CompletionRequest{
			System:    req.System,
			Content:   b.Text,
			ImageURLs: b.ImageURLs,
		}, func(delta string) {
			n := atomic.AddInt64(&streamed, int64(len(delta)))
			if n%4096 < int64(len(delta)) {
				status(fmt.Sprintf("batch %d/%d: %s elapsed, ~%d tokens streamed",
					idx+1, total, time.Since(start).Round(time.Second), n/4))
			}
		})

		if err == nil {
			signals, perr := ParseSignals(completion.Text)
			if perr == nil {
				p.writeCache(req.PromptID, b, signals)
				status(fmt.Sprintf("batch %d/%d: done in %s (%d signals)",
					idx+1, total, time.Since(start).Round(time.Second), len(signals)))
				return signals, nil
			}
			err = &APIError{Kind: KindTransient, Detail: perr.Error()}
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, err
		}
		lastErr = err

		if attempt < p.opts.MaxAttempts {
			delay := p.opts.BackoffBase * (1 << uint(attempt-1))
			status(fmt.Sprintf("batch %d/%d: %s, retrying in %v (attempt %d/%d)",
				idx+1, total, ErrKind(err), delay, attempt+1, p.opts.MaxAttempts))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("exhausted %d attempts: %w", p.opts.MaxAttempts, lastErr)
}

// writeCache groups signals by post URL and records an entry for every URL
// the batch covered.
func (p *Pool) writeCache(promptID string, b batch.Batch, signals []types.Signal) {
	if p.cache == nil {
		return
	}

	entries := make(map[string][]types.Signal, len(b.PostURLs))
	for _, u := range b.PostURLs {
		entries[u] = []types.Signal{}
	}
	for _, s := range signals {
		if _, covered := entries[s.PostURL]; covered {
			entries[s.PostURL] = append(entries[s.PostURL], s)
		}
	}

	if err := p.cache.PutMany(promptID, entries); err != nil {
		p.log.Warnf("[analyzer] cache write failed for %d posts: %v", len(entries), err)
	}
}
