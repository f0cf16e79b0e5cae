package journal

import (
	"context"
	"sync"
	"time"
)

// MemoryJournal keeps entries in process. Expired entries are pruned on
// every Record.
type MemoryJournal struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Entry
}

func NewMemoryJournal(ttl time.Duration) *MemoryJournal {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryJournal{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

func (j *MemoryJournal) Record(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	if e.At.IsZero() {
		e.At = now
	}
	for id, old := range j.entries {
		if now.Sub(old.At) > j.ttl {
			delete(j.entries, id)
		}
	}
	j.entries[e.ExecutionID] = e
	return nil
}

func (j *MemoryJournal) Get(ctx context.Context, executionID string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[executionID]
	if !ok || j.now().Sub(e.At) > j.ttl {
		return Entry{}, ErrNotFound
	}
	return e, nil
}
