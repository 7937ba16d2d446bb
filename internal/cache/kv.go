// Package cache implements the three cache layers the scan engine resolves:
// the whole-scan cache, the cross-user per-post cache, and the device-local
// per-post mirror.
package cache

import (
	"sync"
	"time"
)

// KV is the durable key-value contract the server-side layers sit on.
// ttl of zero means no expiry.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// Memory is an in-process KV with TTL support and an entry-count cap pruned
// LRU-by-write-time. It is the default wiring; a networked store slots in
// behind the same interface.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
}

type memoryEntry struct {
	value     []byte
	writtenAt time.Time
	expiresAt time.Time
}

// NewMemory creates a memory KV. maxEntries of zero means unbounded.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
	}
}

// Get returns the value for key if present and unexpired.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, evicting the oldest entries when over cap.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value, writtenAt: time.Now()}
	if ttl > 0 {
		e.expiresAt = e.writtenAt.Add(ttl)
	}
	m.entries[key] = e

	if m.maxEntries > 0 && len(m.entries) > m.maxEntries {
		m.evictOldest(len(m.entries) - m.maxEntries)
	}
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len reports the live entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictOldest must be called with the mutex held.
func (m *Memory) evictOldest(n int) {
	for i := 0; i < n; i++ {
		oldestKey := ""
		var oldest time.Time
		for k, e := range m.entries {
			if oldestKey == "" || e.writtenAt.Before(oldest) {
				oldestKey = k
				oldest = e.writtenAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(m.entries, oldestKey)
	}
}
