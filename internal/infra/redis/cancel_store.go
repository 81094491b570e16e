package redis

import (
	"context"
	"errors"
	"time"

	"appforge/internal/domain"
)

// CancelStore is the cross-process cancellation side-channel. Queue-level
// removal only reaches jobs that are still waiting; a job already inside a
// worker (possibly in another process) is stopped by setting a flag here
// that the worker polls between stream reads. Flags are TTL-bounded so a
// crashed worker cannot leak them forever.
type CancelStore struct {
	client RedisClient
	ttl    time.Duration
}

func NewCancelStore(client RedisClient, ttl time.Duration) *CancelStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CancelStore{client: client, ttl: ttl}
}

func (s *CancelStore) key(jobID string) string {
	return "cancel:" + jobID
}

// Signal asks the worker owning jobID to stop at its next checkpoint.
func (s *CancelStore) Signal(ctx context.Context, jobID string) error {
	return s.client.Set(ctx, s.key(jobID), "1", s.ttl)
}

// IsCancelled is cheap and safe to call on every loop iteration.
func (s *CancelStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	_, err := s.client.Get(ctx, s.key(jobID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clear removes an observed flag so a later run of the same id starts clean.
func (s *CancelStore) Clear(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.key(jobID))
}
