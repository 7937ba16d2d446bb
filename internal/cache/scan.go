package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jcleary/sigscan/internal/types"
)

// ScanTTL bounds how long a whole-scan result stays servable. Markets move;
// this is the one cache layer that expires.
const ScanTTL = 24 * time.Hour

// ScanKey hashes the scan identity: the sorted account set, the day range,
// and the prompt identity. Account order never changes the key.
func ScanKey(accounts []string, rangeDays int, promptID string) string {
	sorted := make([]string, len(accounts))
	for i, a := range accounts {
		sorted[i] = strings.ToLower(strings.TrimPrefix(a, "@"))
	}
	sort.Strings(sorted)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", strings.Join(sorted, ","), rangeDays, promptID)
	return "scan:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// ScanEntry is the cached result of one whole scan.
type ScanEntry struct {
	Signals    []types.Signal `json:"signals"`
	TotalPosts int            `json:"total_posts"`
	CachedAt   time.Time      `json:"cached_at"`
}

// ScanCache serves identical repeat scan requests without any work.
type ScanCache struct {
	kv KV
}

// NewScanCache wraps kv as the scan-level layer.
func NewScanCache(kv KV) *ScanCache {
	return &ScanCache{kv: kv}
}

// Get returns the cached scan entry for the key, if present and unexpired.
func (c *ScanCache) Get(key string) (*ScanEntry, bool) {
	raw, ok := c.kv.Get(key)
	if !ok {
		return nil, false
	}
	var entry ScanEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.kv.Delete(key)
		return nil, false
	}
	return &entry, true
}

// Put stores the scan result with a fresh timestamp. Callers re-prime even
// cache-served scans so the TTL window restarts.
func (c *ScanCache) Put(key string, signals []types.Signal, totalPosts int) {
	entry := ScanEntry{Signals: signals, TotalPosts: totalPosts, CachedAt: time.Now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.kv.Set(key, raw, ScanTTL)
}
