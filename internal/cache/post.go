package cache

import (
	"encoding/json"
	"time"

	"github.com/jcleary/sigscan/internal/types"
)

// PostCache is the cross-user per-post analysis layer: keyed by prompt
// identity and canonical post URL, never expired on read, pruned only by the
// backing KV's entry cap.
type PostCache struct {
	kv KV
}

// NewPostCache wraps kv as the per-post layer.
func NewPostCache(kv KV) *PostCache {
	return &PostCache{kv: kv}
}

func postKey(promptID, postURL string) string {
	return "post:" + promptID + "|" + postURL
}

// Get returns the analysis entry for one post under the given prompt.
func (c *PostCache) Get(promptID, postURL string) (*types.AnalysisEntry, bool) {
	raw, ok := c.kv.Get(postKey(promptID, postURL))
	if !ok {
		return nil, false
	}
	var entry types.AnalysisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// GetMany batch-queries the layer, returning only the URLs that hit.
func (c *PostCache) GetMany(promptID string, postURLs []string) map[string]*types.AnalysisEntry {
	hits := make(map[string]*types.AnalysisEntry)
	for _, u := range postURLs {
		if entry, ok := c.Get(promptID, u); ok {
			hits[u] = entry
		}
	}
	return hits
}

// PutMany stores one entry per post URL. An empty signal list is stored too:
// "analyzed, nothing found" is a positive result worth caching.
func (c *PostCache) PutMany(promptID string, entries map[string][]types.Signal) error {
	now := time.Now()
	for u, signals := range entries {
		if signals == nil {
			signals = []types.Signal{}
		}
		raw, err := json.Marshal(types.AnalysisEntry{Signals: signals, CachedAt: now})
		if err != nil {
			return err
		}
		c.kv.Set(postKey(promptID, u), raw, 0)
	}
	return nil
}
