package cache

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jcleary/sigscan/internal/types"
)

func newTestLocal(t *testing.T, maxEntries int) *LocalCache {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := NewLocal(db, maxEntries)
	require.NoError(t, err)
	return c
}

func TestLocalCacheRoundtrip(t *testing.T) {
	c := newTestLocal(t, 0)

	err := c.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/1": {{Title: "t", Summary: "s"}},
		"https://x.com/alice/status/2": nil,
	})
	require.NoError(t, err)

	entry, ok := c.Get("p1", "https://x.com/alice/status/1")
	require.True(t, ok)
	assert.Len(t, entry.Signals, 1)
	assert.Equal(t, "t", entry.Signals[0].Title)

	entry, ok = c.Get("p1", "https://x.com/alice/status/2")
	require.True(t, ok)
	assert.Empty(t, entry.Signals)

	_, ok = c.Get("p2", "https://x.com/alice/status/1")
	assert.False(t, ok)
}

func TestLocalCacheUpsert(t *testing.T) {
	c := newTestLocal(t, 0)

	require.NoError(t, c.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/1": {{Title: "old", Summary: "s"}},
	}))
	require.NoError(t, c.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/1": {{Title: "new", Summary: "s"}},
	}))

	entry, ok := c.Get("p1", "https://x.com/alice/status/1")
	require.True(t, ok)
	require.Len(t, entry.Signals, 1)
	assert.Equal(t, "new", entry.Signals[0].Title)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocalCachePrunesOldestBeyondCap(t *testing.T) {
	c := newTestLocal(t, 2)

	require.NoError(t, c.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/1": {{Title: "first", Summary: "s"}},
	}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/2": {{Title: "second", Summary: "s"}},
	}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/3": {{Title: "third", Summary: "s"}},
	}))

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get("p1", "https://x.com/alice/status/1")
	assert.False(t, ok)
	_, ok = c.Get("p1", "https://x.com/alice/status/3")
	assert.True(t, ok)
}

func TestFanoutWritesEveryLayer(t *testing.T) {
	local := newTestLocal(t, 0)
	post := NewPostCache(NewMemory(0))

	err := Fanout{post, local}.PutMany("p1", map[string][]types.Signal{
		"https://x.com/alice/status/1": {{Title: "t", Summary: "s"}},
	})
	require.NoError(t, err)

	_, ok := post.Get("p1", "https://x.com/alice/status/1")
	assert.True(t, ok)
	_, ok = local.Get("p1", "https://x.com/alice/status/1")
	assert.True(t, ok)
}
