package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testWorker(q *Queue, fn ProcessFn) *Worker {
	logger := zerolog.Nop()
	return NewWorker(q, fn, WorkerOptions{Concurrency: 1}, &logger)
}

// pop mirrors what the consume loop does before handing a job to handle.
func pop(t *testing.T, q *Queue, rdb *memRedis) string {
	t.Helper()
	id, err := rdb.BRPopLPush(context.Background(), q.waitingKey(), q.activeKey(), 0)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	return id
}

func TestHandleCompletesJobAndStoresResult(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	type result struct {
		Success bool `json:"success"`
	}
	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) {
		return result{Success: true}, nil
	})

	added, _ := q.Add(ctx, "build", nil, AddOptions{Attempts: 3})
	w.handle(ctx, pop(t, q, rdb))

	job, err := q.loadJob(ctx, added.ID)
	if err != nil {
		t.Fatalf("loadJob: %v", err)
	}
	if job.State != StateCompleted {
		t.Fatalf("state = %q, want %q", job.State, StateCompleted)
	}
	var r result
	if err := json.Unmarshal(job.Result, &r); err != nil || !r.Success {
		t.Fatalf("result = %s, err=%v", job.Result, err)
	}
	if n, _ := rdb.LLen(ctx, q.activeKey()); n != 0 {
		t.Fatalf("active len = %d, want 0", n)
	}
	completed, _ := rdb.LRange(ctx, q.completedKey(), 0, -1)
	if len(completed) != 1 || completed[0] != added.ID {
		t.Fatalf("completed history = %v", completed)
	}
}

func TestHandleSchedulesRetryWithBackoff(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("stream broke")
	})

	added, _ := q.Add(ctx, "build", nil, AddOptions{Attempts: 3, Backoff: 5 * time.Second})
	before := time.Now()
	w.handle(ctx, pop(t, q, rdb))

	job, _ := q.loadJob(ctx, added.ID)
	if job.State != StateDelayed {
		t.Fatalf("state = %q, want %q", job.State, StateDelayed)
	}
	if job.AttemptsMade != 1 {
		t.Fatalf("attempts = %d, want 1", job.AttemptsMade)
	}
	score := rdb.zsets[q.delayedKey()][added.ID]
	readyAt := time.UnixMilli(int64(score))
	// First retry waits the base backoff.
	if readyAt.Before(before.Add(4*time.Second)) || readyAt.After(before.Add(7*time.Second)) {
		t.Fatalf("retry scheduled at %v, want ~5s after %v", readyAt, before)
	}
}

func TestHandleDoublesBackoffPerAttempt(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("still broken")
	})

	added, _ := q.Add(ctx, "build", nil, AddOptions{Attempts: 3, Backoff: 5 * time.Second})
	w.handle(ctx, pop(t, q, rdb))

	// Force-promote and fail a second time.
	_ = rdb.ZAdd(ctx, q.delayedKey(), 0, added.ID)
	w.promoteDelayed(ctx)
	before := time.Now()
	w.handle(ctx, pop(t, q, rdb))

	job, _ := q.loadJob(ctx, added.ID)
	if job.AttemptsMade != 2 {
		t.Fatalf("attempts = %d, want 2", job.AttemptsMade)
	}
	score := rdb.zsets[q.delayedKey()][added.ID]
	readyAt := time.UnixMilli(int64(score))
	// Second retry waits twice the base.
	if readyAt.Before(before.Add(9*time.Second)) || readyAt.After(before.Add(12*time.Second)) {
		t.Fatalf("retry scheduled at %v, want ~10s after %v", readyAt, before)
	}
}

func TestHandleFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("permanent")
	})

	added, _ := q.Add(ctx, "build", nil, AddOptions{Attempts: 2, Backoff: time.Second})
	w.handle(ctx, pop(t, q, rdb))
	_ = rdb.ZAdd(ctx, q.delayedKey(), 0, added.ID)
	w.promoteDelayed(ctx)
	w.handle(ctx, pop(t, q, rdb))

	job, _ := q.loadJob(ctx, added.ID)
	if job.State != StateFailed {
		t.Fatalf("state = %q, want %q", job.State, StateFailed)
	}
	if job.FailedReason != "permanent" {
		t.Fatalf("failed reason = %q", job.FailedReason)
	}
	failed, _ := rdb.LRange(ctx, q.failedKey(), 0, -1)
	if len(failed) != 1 || failed[0] != added.ID {
		t.Fatalf("failed history = %v", failed)
	}
	if rdb.zsets[q.delayedKey()][added.ID] != 0 {
		t.Fatal("job should not be rescheduled after final attempt")
	}
}

func TestUnsuccessfulResultStillCompletes(t *testing.T) {
	// A cancelled run returns a non-error result; the queue must not retry it.
	q, rdb := testQueue(t)
	ctx := context.Background()

	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) {
		return map[string]any{"success": false, "cancelled": true}, nil
	})

	added, _ := q.Add(ctx, "build", nil, AddOptions{Attempts: 3})
	w.handle(ctx, pop(t, q, rdb))

	job, _ := q.loadJob(ctx, added.ID)
	if job.State != StateCompleted {
		t.Fatalf("state = %q, want %q", job.State, StateCompleted)
	}
	if job.AttemptsMade != 0 {
		t.Fatalf("attempts = %d, want 0", job.AttemptsMade)
	}
}

func TestPromoteDelayedMovesDueJobsOnly(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) { return nil, nil })

	due, _ := q.Add(ctx, "build", nil, AddOptions{})
	future, _ := q.Add(ctx, "build", nil, AddOptions{})
	// Move both out of waiting and into the delayed set by hand.
	_, _ = rdb.LRem(ctx, q.waitingKey(), 0, due.ID)
	_, _ = rdb.LRem(ctx, q.waitingKey(), 0, future.ID)
	_ = rdb.ZAdd(ctx, q.delayedKey(), float64(time.Now().Add(-time.Second).UnixMilli()), due.ID)
	_ = rdb.ZAdd(ctx, q.delayedKey(), float64(time.Now().Add(time.Hour).UnixMilli()), future.ID)

	w.promoteDelayed(ctx)

	waiting, _ := rdb.LRange(ctx, q.waitingKey(), 0, -1)
	if len(waiting) != 1 || waiting[0] != due.ID {
		t.Fatalf("waiting = %v, want [%s]", waiting, due.ID)
	}
	if _, ok := rdb.zsets[q.delayedKey()][future.ID]; !ok {
		t.Fatal("future job should stay delayed")
	}
	job, _ := q.loadJob(ctx, due.ID)
	if job.State != StateWaiting {
		t.Fatalf("promoted job state = %q, want %q", job.State, StateWaiting)
	}
}

func TestHandleDropsJobWithMissingBlob(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	called := false
	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) {
		called = true
		return nil, nil
	})

	added, _ := q.Add(ctx, "build", nil, AddOptions{})
	id := pop(t, q, rdb)
	_ = rdb.Del(ctx, q.jobKey(added.ID))

	w.handle(ctx, id)
	if called {
		t.Fatal("handler must not run for a job without a blob")
	}
	if n, _ := rdb.LLen(ctx, q.activeKey()); n != 0 {
		t.Fatalf("active len = %d, want 0", n)
	}
}

func TestPromoteDelayedRaceClaim(t *testing.T) {
	// A member already removed by another promoter must not fire twice.
	q, rdb := testQueue(t)
	ctx := context.Background()
	w := testWorker(q, func(ctx context.Context, job *Job) (any, error) { return nil, nil })

	added, _ := q.Add(ctx, "build", nil, AddOptions{})
	_, _ = rdb.LRem(ctx, q.waitingKey(), 0, added.ID)
	_ = rdb.ZAdd(ctx, q.delayedKey(), float64(time.Now().Add(-time.Second).UnixMilli()), added.ID)

	w.promoteDelayed(ctx)
	w.promoteDelayed(ctx)

	waiting, _ := rdb.LRange(ctx, q.waitingKey(), 0, -1)
	if len(waiting) != 1 {
		t.Fatalf("waiting = %v, want exactly one entry", waiting)
	}
}
