package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryRepository keeps entries in process. It suits a single consumer
// running against the in-memory store.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]Entry)}
}

// Get returns a copy of the entry for key
func (r *MemoryRepository) Get(_ context.Context, key string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Claim inserts or reclaims an entry
func (r *MemoryRepository) Claim(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.Key]; ok {
		if cur.Status != StatusRecoverable {
			return ErrDuplicate
		}
		cur.Status = e.Status
		cur.UpdatedAt = e.UpdatedAt
		r.entries[e.Key] = cur
		return nil
	}
	r.entries[e.Key] = *e
	return nil
}

// Mark updates status and result
func (r *MemoryRepository) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = time.Now()
	r.entries[key] = e
	return nil
}

// DeleteExpired removes entries that expired before now
func (r *MemoryRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.entries {
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}
