// Package app wires configuration into a ready-to-run scan engine.
package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jcleary/sigscan/internal/analyzer"
	"github.com/jcleary/sigscan/internal/analyzer/providers"
	"github.com/jcleary/sigscan/internal/batch"
	"github.com/jcleary/sigscan/internal/cache"
	"github.com/jcleary/sigscan/internal/config"
	"github.com/jcleary/sigscan/internal/engine"
	"github.com/jcleary/sigscan/internal/fetcher"
	"github.com/jcleary/sigscan/internal/ledger"
	"github.com/jcleary/sigscan/internal/store"
)

const (
	scanCacheEntries  = 512
	postCacheEntries  = 50000
	localCacheEntries = 10000
)

// Options selects wiring variants per entrypoint.
type Options struct {
	// Coalesce wraps the upstream fetcher in the request coalescer. The cron
	// runner wants it; the interactive CLI runs one scan and does not.
	Coalesce bool
}

// App holds the wired components an entrypoint needs.
type App struct {
	Config *config.Config
	Log    *zap.SugaredLogger
	Store  *store.Store
	Ledger *ledger.Ledger
	Engine *engine.Engine
}

// New builds the full component graph from config.
func New(cfg *config.Config, opts Options, log *zap.SugaredLogger) (*App, error) {
	dbPath, err := config.DataPath()
	if err != nil {
		return nil, err
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	localCache, err := cache.NewLocal(st.DB(), localCacheEntries)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	scanCache := cache.NewScanCache(cache.NewMemory(scanCacheEntries))
	postCache := cache.NewPostCache(cache.NewMemory(postCacheEntries))

	fopts := fetcher.DefaultOptions()
	if cfg.Upstream.RequestsPerSecond > 0 {
		fopts.RequestsPerSecond = cfg.Upstream.RequestsPerSecond
	}
	var source fetcher.Fetcher = fetcher.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, fopts, log)
	if opts.Coalesce {
		source = fetcher.NewCoalescer(source, fetcher.DefaultCoalescerOptions(), log).Source()
	}

	promptText := analyzer.DefaultPrompt()
	if cfg.Analysis.PromptPath != "" {
		b, err := os.ReadFile(cfg.Analysis.PromptPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to read prompt file: %w", err)
		}
		promptText = string(b)
	}

	provider := providers.NewClaudeProvider(cfg.Analysis.APIKey, cfg.Analysis.Model)
	aopts := analyzer.DefaultOptions()
	if cfg.Scan.AnalysisConcurrency > 0 {
		aopts.Concurrency = cfg.Scan.AnalysisConcurrency
	}
	pool := analyzer.NewPool(provider, cache.Fanout{postCache, localCache}, aopts, log)

	lopts := ledger.DefaultOptions()
	lopts.FreeScansPerDay = cfg.Credits.FreeScansPerDay
	led := ledger.New(st, lopts, log)

	eng := engine.New(source, pool, scanCache, postCache, localCache, led, st, engine.Options{
		FetchConcurrency: cfg.Scan.FetchConcurrency,
		PromptText:       promptText,
		Model:            cfg.Analysis.Model,
		BatchOpts:        batch.DefaultOptions(),
	}, log)

	return &App{
		Config: cfg,
		Log:    log,
		Store:  st,
		Ledger: led,
		Engine: eng,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() error {
	return a.Store.Close()
}
