package cache

import "github.com/jcleary/sigscan/internal/types"

// Writer is a cache layer accepting batched per-post analysis writes.
type Writer interface {
	PutMany(promptID string, entries map[string][]types.Signal) error
}

// Fanout writes each batch of entries to every layer. Layers are independent,
// so one layer failing does not stop writes to the others; the first error is
// returned.
type Fanout []Writer

func (f Fanout) PutMany(promptID string, entries map[string][]types.Signal) error {
	var firstErr error
	for _, w := range f {
		if err := w.PutMany(promptID, entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
