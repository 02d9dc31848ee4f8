package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// AttemptStore holds the per-trip search progress record. Created when a
// trip starts searching, deleted when it stops; nothing here outlives the
// search, so a TTL guards against leaked records.
type AttemptStore interface {
	Get(ctx context.Context, tripID string) (*models.DispatchAttempt, error)
	Put(ctx context.Context, rec *models.DispatchAttempt) error
	Delete(ctx context.Context, tripID string) error
}

const attemptTTL = time.Hour

type RedisAttempts struct {
	client *redis.Client
}

func NewRedisAttempts(client *redis.Client) *RedisAttempts {
	return &RedisAttempts{client: client}
}

func (a *RedisAttempts) Get(ctx context.Context, tripID string) (*models.DispatchAttempt, error) {
	raw, err := a.client.Get(ctx, attemptKey(tripID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", tripID, err)
	}
	var rec models.DispatchAttempt
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode attempt %s: %w", tripID, err)
	}
	return &rec, nil
}

func (a *RedisAttempts) Put(ctx context.Context, rec *models.DispatchAttempt) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := a.client.Set(ctx, attemptKey(rec.TripID), raw, attemptTTL).Err(); err != nil {
		return fmt.Errorf("put attempt %s: %w", rec.TripID, err)
	}
	return nil
}

func (a *RedisAttempts) Delete(ctx context.Context, tripID string) error {
	return a.client.Del(ctx, attemptKey(tripID)).Err()
}

func attemptKey(tripID string) string { return "dispatch:attempt:" + tripID }

type MemoryAttempts struct {
	mu   sync.Mutex
	recs map[string]models.DispatchAttempt
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{recs: make(map[string]models.DispatchAttempt)}
}

func (a *MemoryAttempts) Get(ctx context.Context, tripID string) (*models.DispatchAttempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.recs[tripID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (a *MemoryAttempts) Put(ctx context.Context, rec *models.DispatchAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs[rec.TripID] = *rec
	return nil
}

func (a *MemoryAttempts) Delete(ctx context.Context, tripID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.recs, tripID)
	return nil
}
