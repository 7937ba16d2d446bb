// Package engine sequences one scan: cache resolution, fetching, batching,
// analysis, deduplication, persistence, and billing.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jcleary/sigscan/internal/analyzer"
	"github.com/jcleary/sigscan/internal/batch"
	"github.com/jcleary/sigscan/internal/cache"
	"github.com/jcleary/sigscan/internal/fetcher"
	"github.com/jcleary/sigscan/internal/ledger"
	"github.com/jcleary/sigscan/internal/store"
	"github.com/jcleary/sigscan/internal/types"
)

// Saver persists completed scans; *store.Store satisfies it.
type Saver interface {
	SaveScan(rec store.ScanRecord) (string, error)
}

// Options tunes the orchestrator.
type Options struct {
	FetchConcurrency int
	// PromptText and Model define the prompt identity for every cache key.
	PromptText string
	Model      string
	BatchOpts  batch.Options
}

// Engine is the scan orchestrator. The same engine serves the interactive
// path and the cron path; only the fetcher injected differs (the cron path
// wraps its fetcher in a coalescer).
type Engine struct {
	source     fetcher.Fetcher
	pool       *analyzer.Pool
	scanCache  *cache.ScanCache
	postCache  *cache.PostCache
	localCache *cache.LocalCache
	ledger     *ledger.Ledger
	saver      Saver
	opts       Options
	log        *zap.SugaredLogger
}

// New creates an engine. ledger may be nil when billing is externally
// handled; saver and the cache layers may be nil in reduced wirings.
func New(source fetcher.Fetcher, pool *analyzer.Pool, scanCache *cache.ScanCache,
	postCache *cache.PostCache, localCache *cache.LocalCache,
	led *ledger.Ledger, saver Saver, opts Options, log *zap.SugaredLogger) *Engine {
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 4
	}
	return &Engine{
		source:     source,
		pool:       pool,
		scanCache:  scanCache,
		postCache:  postCache,
		localCache: localCache,
		ledger:     led,
		saver:      saver,
		opts:       opts,
		log:        log,
	}
}

// PromptID returns the prompt identity for the engine's configured prompt
// and model.
func (e *Engine) PromptID() string {
	return analyzer.PromptID(e.opts.PromptText, e.opts.Model)
}

// RunScan executes one scan request. onStatus receives progress lines,
// onNotice receives user-facing notices (e.g. "no posts found"); both may be
// nil. A nil result with a nil error means the scan had nothing to report.
//
// Per-account fetch failures become warnings, not scan failures. Per-batch
// analysis failures are counted in BatchesFailed but deliberately not
// surfaced as warnings: fetch failures are reported, analysis drops are not.
func (e *Engine) RunScan(ctx context.Context, req types.ScanRequest, onStatus, onNotice func(string)) (*types.ScanResult, error) {
	status := onStatus
	if status == nil {
		status = func(string) {}
	}
	notice := onNotice
	if notice == nil {
		notice = func(string) {}
	}

	promptID := req.PromptID
	if promptID == "" {
		promptID = e.PromptID()
	}

	// Layer 1: an identical unexpired scan bypasses everything.
	scanKey := cache.ScanKey(req.Accounts, req.RangeDays, promptID)
	if e.scanCache != nil {
		if entry, ok := e.scanCache.Get(scanKey); ok {
			status("serving scan from cache")
			e.scanCache.Put(scanKey, entry.Signals, entry.TotalPosts)
			return &types.ScanResult{
				Signals:    entry.Signals,
				TotalPosts: entry.TotalPosts,
				FromCache:  true,
			}, nil
		}
	}

	// Admission control happens before any expensive work.
	var reservation *ledger.Reservation
	if e.ledger != nil && !req.SelfCredentials {
		r, err := e.ledger.Reserve(req.UserID, len(req.Accounts), req.RangeDays, e.opts.Model)
		if err != nil {
			return nil, err
		}
		reservation = r
	}

	status(fmt.Sprintf("fetching posts for %d accounts...", len(req.Accounts)))
	groups, fetchErrors, err := e.fetchAll(ctx, req)
	if err != nil {
		return nil, err
	}

	totalPosts := 0
	for _, g := range groups {
		totalPosts += len(g.Posts)
	}
	if totalPosts == 0 {
		if len(fetchErrors) == len(req.Accounts) && len(req.Accounts) > 0 {
			return nil, fmt.Errorf("every account failed to fetch: %s", joinErrors(fetchErrors))
		}
		notice("no posts found in the selected range")
		return nil, nil
	}
	status(fmt.Sprintf("fetched %d posts", totalPosts))

	// Layers 2 and 3: pull cached analyses, keep only unanalyzed posts.
	cachedSignals, remaining := e.resolvePostCaches(promptID, groups)
	status(fmt.Sprintf("%d posts already analyzed, %d to analyze", totalPosts-countPosts(remaining), countPosts(remaining)))

	var fresh analyzer.Result
	if countPosts(remaining) > 0 {
		batches := batch.Build(remaining, e.opts.BatchOpts)
		status(fmt.Sprintf("analyzing %d batches...", len(batches)))

		fresh, err = e.pool.Analyze(ctx, analyzer.Request{
			System:   e.opts.PromptText,
			PromptID: promptID,
			Batches:  batches,
		}, status)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Every batch failed. Only fatal when the caches yielded
			// nothing either.
			if len(cachedSignals) == 0 {
				return nil, err
			}
			e.log.Warnf("[engine] analysis failed, serving cached signals only: %v", err)
			fresh = analyzer.Result{Failed: len(batches)}
		}
	}

	signals := normalize(dedupe(append(cachedSignals, fresh.Signals...)))

	result := &types.ScanResult{
		Signals:       signals,
		TotalPosts:    totalPosts,
		FetchErrors:   fetchErrors,
		BatchesFailed: fresh.Failed,
	}
	for _, a := range req.Accounts {
		if msg, ok := fetchErrors[a]; ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to fetch @%s: %s", a, msg))
		}
	}

	// Results are saved before billing so a billing failure never loses
	// computed signals.
	if e.saver != nil {
		scanID, err := e.saver.SaveScan(store.ScanRecord{
			UserID:      req.UserID,
			Accounts:    req.Accounts,
			Signals:     signals,
			TotalPosts:  totalPosts,
			CreditsUsed: reservedCredits(reservation),
			Scheduled:   req.Scheduled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save scan: %w", err)
		}
		result.ScanID = scanID
	}

	if reservation != nil {
		used, err := e.ledger.Consume(reservation.ID, req.UserID,
			fmt.Sprintf("scan of %d accounts over %d days", len(req.Accounts), req.RangeDays))
		if err != nil {
			e.log.Warnf("[engine] reservation consume failed: %v", err)
		}
		result.CreditsUsed = used
	}

	// Re-prime the scan-level cache unconditionally.
	if e.scanCache != nil {
		e.scanCache.Put(scanKey, signals, totalPosts)
	}

	return result, nil
}

// fetchAll fetches every account with bounded concurrency. Per-account
// failures are collected, never fatal here.
func (e *Engine) fetchAll(ctx context.Context, req types.ScanRequest) ([]batch.AccountPosts, map[string]string, error) {
	groups := make([]batch.AccountPosts, len(req.Accounts))
	fetchErrors := make(map[string]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FetchConcurrency)

	for i, account := range req.Accounts {
		i, account := i, account
		g.Go(func() error {
			posts, err := e.source.Fetch(gctx, account, req.RangeDays)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			groups[i] = batch.AccountPosts{Account: account, Posts: posts}
			if err != nil {
				fetchErrors[account] = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return groups, fetchErrors, nil
}

// resolvePostCaches partitions posts into cache hits (local first, then the
// cross-user layer) and the remainder needing analysis. Cross-user hits are
// written back into the local layer for the next lookup.
func (e *Engine) resolvePostCaches(promptID string, groups []batch.AccountPosts) ([]types.Signal, []batch.AccountPosts) {
	var cached []types.Signal
	remaining := make([]batch.AccountPosts, 0, len(groups))

	for _, g := range groups {
		var misses []types.Post
		var sharedLookup []types.Post

		for _, p := range g.Posts {
			if e.localCache != nil {
				if entry, ok := e.localCache.Get(promptID, p.URL()); ok {
					cached = append(cached, entry.Signals...)
					continue
				}
			}
			sharedLookup = append(sharedLookup, p)
		}

		if e.postCache != nil && len(sharedLookup) > 0 {
			urls := make([]string, len(sharedLookup))
			for i, p := range sharedLookup {
				urls[i] = p.URL()
			}
			hits := e.postCache.GetMany(promptID, urls)

			writeBack := make(map[string][]types.Signal)
			for _, p := range sharedLookup {
				if entry, ok := hits[p.URL()]; ok {
					cached = append(cached, entry.Signals...)
					writeBack[p.URL()] = entry.Signals
					continue
				}
				misses = append(misses, p)
			}
			if e.localCache != nil && len(writeBack) > 0 {
				if err := e.localCache.PutMany(promptID, writeBack); err != nil {
					e.log.Warnf("[engine] local cache write-back failed: %v", err)
				}
			}
		} else {
			misses = sharedLookup
		}

		if len(misses) > 0 {
			remaining = append(remaining, batch.AccountPosts{Account: g.Account, Posts: misses})
		}
	}

	return cached, remaining
}

// dedupe drops signals whose non-empty post URL was already seen, or, for
// URL-less signals, whose (title, summary) pair was already seen.
func dedupe(signals []types.Signal) []types.Signal {
	seenURL := make(map[string]bool)
	seenPair := make(map[string]bool)

	out := signals[:0:0]
	for _, s := range signals {
		pair := s.Title + "\x00" + s.Summary
		if s.PostURL != "" {
			if seenURL[s.PostURL] {
				continue
			}
			seenURL[s.PostURL] = true
		} else if seenPair[pair] {
			continue
		}
		seenPair[pair] = true
		out = append(out, s)
	}
	return out
}

// normalize canonicalizes each signal's tickers: duplicate symbols collapse
// to one reference, and conflicting buy/sell actions on the same symbol
// become "mixed". Facts are never merged across signals.
func normalize(signals []types.Signal) []types.Signal {
	for i := range signals {
		if len(signals[i].Tickers) < 2 {
			continue
		}

		bySymbol := make(map[string]types.Action)
		var order []string
		for _, t := range signals[i].Tickers {
			prev, seen := bySymbol[t.Symbol]
			if !seen {
				bySymbol[t.Symbol] = t.Action
				order = append(order, t.Symbol)
				continue
			}
			if prev != t.Action && isDirectional(prev) && isDirectional(t.Action) {
				bySymbol[t.Symbol] = types.ActionMixed
			}
		}

		merged := make([]types.TickerRef, len(order))
		for j, sym := range order {
			merged[j] = types.TickerRef{Symbol: sym, Action: bySymbol[sym]}
		}
		signals[i].Tickers = merged
	}
	return signals
}

func isDirectional(a types.Action) bool {
	return a == types.ActionBuy || a == types.ActionSell
}

func countPosts(groups []batch.AccountPosts) int {
	n := 0
	for _, g := range groups {
		n += len(g.Posts)
	}
	return n
}

func reservedCredits(r *ledger.Reservation) int {
	if r == nil {
		return 0
	}
	return r.Credits
}

func joinErrors(errs map[string]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("@%s: %s", k, errs[k])
	}
	return out
}
