package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appforge/internal/domain"
	red "appforge/internal/infra/redis"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Queue names, one per job domain.
const (
	QueueBuild          = "build"
	QueueSubmit         = "submit"
	QueueEnvironment    = "environment"
	QueueDeploy         = "deploy"
	QueueMaintenance    = "maintenance"
	QueuePreviewCleanup = "preview-cleanup"
)

// Job states inside the broker.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// terminalTTL bounds how long finished job blobs linger in Redis.
const terminalTTL = 24 * time.Hour

// historyCap bounds the completed/failed id lists.
const historyCap = 100

// Job is one unit of work persisted in the broker. Data is the flat JSON
// payload the enqueuer supplied; Result is set once the job completes.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	State        string          `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	BackoffMS    int64           `json:"backoffMs"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	return json.Unmarshal(j.Data, v)
}

func (j *Job) backoff() time.Duration {
	return time.Duration(j.BackoffMS) * time.Millisecond
}

// AddOptions configures retry policy for one enqueue.
type AddOptions struct {
	Attempts int           // total attempts including the first; min 1
	Backoff  time.Duration // base delay, doubled per retry
}

// Queue is a handle to one named durable queue. All state lives in the
// broker, so handles are cheap and any process sharing the broker sees the
// same queue.
type Queue struct {
	name string
	rdb  red.RedisClient
	log  *zerolog.Logger
}

func New(name string, rdb red.RedisClient, logger *zerolog.Logger) *Queue {
	l := logger.With().Str("queue", name).Logger()
	return &Queue{name: name, rdb: rdb, log: &l}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return "queue:" + q.name + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

func (q *Queue) waitingKey() string   { return q.key("waiting") }
func (q *Queue) activeKey() string    { return q.key("active") }
func (q *Queue) delayedKey() string   { return q.key("delayed") }
func (q *Queue) completedKey() string { return q.key("completed") }
func (q *Queue) failedKey() string    { return q.key("failed") }
func (q *Queue) eventsKey() string    { return q.key("events") }

// Add persists the job to the broker before returning; an enqueue survives
// the calling process crashing immediately afterwards.
func (q *Queue) Add(ctx context.Context, jobName string, payload any, opts AddOptions) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	job := &Job{
		ID:          newJobID(),
		Name:        jobName,
		Data:        data,
		State:       StateWaiting,
		MaxAttempts: opts.Attempts,
		BackoffMS:   opts.Backoff.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	if err := q.rdb.LPush(ctx, q.waitingKey(), job.ID); err != nil {
		return nil, fmt.Errorf("push waiting: %w", err)
	}
	q.log.Debug().Str("job_id", job.ID).Str("job_name", jobName).Msg("job enqueued")
	return job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, q.jobKey(job.ID), b, ttl)
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	s, err := q.rdb.Get(ctx, q.jobKey(id))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(s), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) list(ctx context.Context, key string) ([]*Job, error) {
	ids, err := q.rdb.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // expired blob, stale list entry
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetActive returns jobs currently owned by a worker.
func (q *Queue) GetActive(ctx context.Context) ([]*Job, error) {
	return q.list(ctx, q.activeKey())
}

// GetWaiting returns jobs not yet picked up.
func (q *Queue) GetWaiting(ctx context.Context) ([]*Job, error) {
	return q.list(ctx, q.waitingKey())
}

// GetCompleted returns recently completed jobs (bounded history).
func (q *Queue) GetCompleted(ctx context.Context) ([]*Job, error) {
	return q.list(ctx, q.completedKey())
}

// Remove deletes a job that is still waiting. Jobs already claimed by a
// worker cannot be removed here; cancel them through the signal store.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	n, err := q.rdb.LRem(ctx, q.waitingKey(), 1, jobID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotWaiting
	}
	if err := q.rdb.Del(ctx, q.jobKey(jobID)); err != nil {
		q.log.Warn().Err(err).Str("job_id", jobID).Msg("removed waiting job but failed to delete blob")
	}
	return nil
}

// Depth reports the number of waiting jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.waitingKey())
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, q.eventsKey(), b); err != nil {
		q.log.Debug().Err(err).Msg("event publish failed")
	}
}

func newJobID() string {
	return ulid.Make().String()
}
