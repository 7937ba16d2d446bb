package cache

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jcleary/sigscan/internal/types"
)

// LocalCache is the device-local per-post mirror of the cross-user layer,
// backed by sqlite. It has no TTL; entries are pruned LRU-by-timestamp once
// the table exceeds maxEntries.
type LocalCache struct {
	db         *sql.DB
	maxEntries int
}

// NewLocal creates the local cache on an existing sqlite handle.
func NewLocal(db *sql.DB, maxEntries int) (*LocalCache, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_cache (
		prompt_id TEXT NOT NULL,
		post_url TEXT NOT NULL,
		signals_json TEXT NOT NULL,
		cached_at DATETIME NOT NULL,
		PRIMARY KEY (prompt_id, post_url)
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_cache_cached_at ON analysis_cache(cached_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &LocalCache{db: db, maxEntries: maxEntries}, nil
}

// Get returns the cached entry for one post under the given prompt.
func (c *LocalCache) Get(promptID, postURL string) (*types.AnalysisEntry, bool) {
	var signalsJSON string
	var cachedAt time.Time
	err := c.db.QueryRow(`
		SELECT signals_json, cached_at FROM analysis_cache
		WHERE prompt_id = ? AND post_url = ?
	`, promptID, postURL).Scan(&signalsJSON, &cachedAt)
	if err != nil {
		return nil, false
	}

	var signals []types.Signal
	if err := json.Unmarshal([]byte(signalsJSON), &signals); err != nil {
		return nil, false
	}
	return &types.AnalysisEntry{Signals: signals, CachedAt: cachedAt}, true
}

// PutMany upserts one row per post URL, then prunes over-cap rows oldest-first.
func (c *LocalCache) PutMany(promptID string, entries map[string][]types.Signal) error {
	now := time.Now()
	for u, signals := range entries {
		if signals == nil {
			signals = []types.Signal{}
		}
		signalsJSON, err := json.Marshal(signals)
		if err != nil {
			return err
		}
		_, err = c.db.Exec(`
			INSERT INTO analysis_cache (prompt_id, post_url, signals_json, cached_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(prompt_id, post_url) DO UPDATE SET
				signals_json = excluded.signals_json,
				cached_at = excluded.cached_at
		`, promptID, u, string(signalsJSON), now)
		if err != nil {
			return err
		}
	}
	return c.prune()
}

// Count reports the live row count.
func (c *LocalCache) Count() (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache`).Scan(&n)
	return n, err
}

func (c *LocalCache) prune() error {
	if c.maxEntries <= 0 {
		return nil
	}
	_, err := c.db.Exec(`
		DELETE FROM analysis_cache WHERE (prompt_id, post_url) IN (
			SELECT prompt_id, post_url FROM analysis_cache
			ORDER BY cached_at DESC LIMIT -1 OFFSET ?
		)
	`, c.maxEntries)
	return err
}
