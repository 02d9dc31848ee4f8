package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type JobKind string

const (
	// JobAttempt runs one search cycle: query candidates, broadcast or
	// escalate.
	JobAttempt JobKind = "attempt"
	// JobTimeout checks whether anyone accepted after a broadcast.
	JobTimeout JobKind = "timeout"
)

// Job is one scheduled dispatch action for a trip. Jobs are intentionally
// tiny — all search progress lives in the attempt record — so replaying a
// job after a crash is always safe.
type Job struct {
	TripID string
	Kind   JobKind
}

func (j Job) member() string { return string(j.Kind) + ":" + j.TripID }

func parseMember(m string) (Job, bool) {
	kind, tripID, ok := strings.Cut(m, ":")
	if !ok {
		return Job{}, false
	}
	return Job{TripID: tripID, Kind: JobKind(kind)}, true
}

// Queue schedules dispatch jobs for later execution. Implementations must
// survive claim races between workers: a job is executed by whichever worker
// successfully removes it.
type Queue interface {
	Enqueue(ctx context.Context, job Job, due time.Time) error
	// Claim atomically removes and returns up to limit jobs due at now.
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// HasPending reports whether any job is scheduled for the trip. Used
	// by the recovery sweep to avoid double-enqueueing.
	HasPending(ctx context.Context, tripID string) (bool, error)
}

// RedisQueue stores jobs in a sorted set scored by due time, which is what
// makes pending escalations survive a process restart.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: "dispatch:jobs"}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, due time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(due.UnixMilli()), Member: job.member()}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.member(), err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	var out []Job
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return out, fmt.Errorf("claim %s: %w", m, err)
		}
		if removed == 0 {
			continue // another worker took it
		}
		if job, ok := parseMember(m); ok {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *RedisQueue) HasPending(ctx context.Context, tripID string) (bool, error) {
	for _, kind := range []JobKind{JobAttempt, JobTimeout} {
		err := q.client.ZScore(ctx, q.key, Job{TripID: tripID, Kind: kind}.member()).Err()
		if err == nil {
			return true, nil
		}
		if err != redis.Nil {
			return false, fmt.Errorf("check pending for %s: %w", tripID, err)
		}
	}
	return false, nil
}

// MemoryQueue backs tests and single-process local runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]time.Time // member -> due
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]time.Time)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.member()] = due
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for m, due := range q.jobs {
		if len(out) >= limit {
			break
		}
		if due.After(now) {
			continue
		}
		if job, ok := parseMember(m); ok {
			out = append(out, job)
		}
		delete(q.jobs, m)
	}
	return out, nil
}

func (q *MemoryQueue) HasPending(ctx context.Context, tripID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, kind := range []JobKind{JobAttempt, JobTimeout} {
		if _, ok := q.jobs[Job{TripID: tripID, Kind: kind}.member()]; ok {
			return true, nil
		}
	}
	return false, nil
}
