package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore keeps responses in process memory. Run RunPurge alongside it.
type MemoryStore struct {
	mu        sync.RWMutex
	responses map[string]Response
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{responses: make(map[string]Response)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.responses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &resp, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, resp *Response) error {
	if err := ValidateKey(resp.Key); err != nil {
		return err
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.responses[resp.Key]; taken {
		return ErrExists
	}
	s.responses[resp.Key] = *resp
	return nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, resp := range s.responses {
		if resp.StoredAt.Before(cutoff) {
			delete(s.responses, key)
			n++
		}
	}
	return n, nil
}

// RunPurge purges responses older than expiry now and then every interval, until
// ctx is done.
func RunPurge(ctx context.Context, store Store, interval, expiry time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := store.Purge(ctx, expiry)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "failed to purge idempotency keys", "error", err)
		case n > 0:
			slog.InfoContext(ctx, "purged idempotency keys", "deleted", n, "older_than", expiry)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
