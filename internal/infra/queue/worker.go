package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"appforge/internal/domain"
	"appforge/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// ProcessFn handles one job. Returning an error marks the job failed and
// triggers the retry/backoff policy; any non-error return (including a
// "not successful" result, e.g. a cancelled run) completes the job.
type ProcessFn func(ctx context.Context, job *Job) (any, error)

type WorkerOptions struct {
	// Concurrency bounds parallel handlers. 1 for domains that mutate a
	// single sandbox's git state, higher for independent short-lived work.
	Concurrency int
	// BlockInterval is the BRPOPLPUSH timeout; it also bounds how quickly
	// a worker notices shutdown.
	BlockInterval time.Duration
}

// Worker consumes one queue with bounded concurrency. It also runs the
// promoter loop that moves due delayed jobs and due scheduler entries back
// into the waiting list.
type Worker struct {
	queue *Queue
	fn    ProcessFn
	opts  WorkerOptions
	log   *zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorker(q *Queue, fn ProcessFn, opts WorkerOptions, logger *zerolog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BlockInterval <= 0 {
		opts.BlockInterval = 5 * time.Second
	}
	l := logger.With().Str("component", "worker").Str("queue", q.Name()).Logger()
	return &Worker{queue: q, fn: fn, opts: opts, log: &l}
}

// Start launches the consumer goroutines plus one promoter. Call Stop to
// drain.
func (w *Worker) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.consumeLoop(ctx, id)
		}(i)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promoteLoop(ctx)
	}()

	w.log.Info().Int("concurrency", w.opts.Concurrency).Msg("worker started")
}

// Stop cancels the loops and waits for in-flight handlers to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info().Msg("worker stopped")
}

func (w *Worker) consumeLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := w.queue.rdb.BRPopLPush(ctx, w.queue.waitingKey(), w.queue.activeKey(), w.opts.BlockInterval)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // timeout, nothing waiting
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("broker pop failed")
			time.Sleep(time.Second)
			continue
		}
		w.handle(ctx, jobID)
	}
}

func (w *Worker) handle(ctx context.Context, jobID string) {
	q := w.queue
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// Blob gone (removed or expired) while the id sat in a list.
		_, _ = q.rdb.LRem(ctx, q.activeKey(), 1, jobID)
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("claimed job without blob, dropping")
		return
	}

	job.State = StateActive
	if err := q.saveJob(ctx, job, 0); err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job active")
	}
	q.publish(ctx, Event{JobID: job.ID, Type: EventActive})

	start := time.Now()
	result, perr := w.fn(ctx, job)
	elapsed := time.Since(start)

	// The handler returned; the job leaves the active list no matter what.
	if _, err := q.rdb.LRem(ctx, q.activeKey(), 1, jobID); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to clear active entry")
	}

	if perr != nil {
		w.failOrRetry(ctx, job, perr, elapsed)
		return
	}
	w.complete(ctx, job, result, elapsed)
}

func (w *Worker) complete(ctx context.Context, job *Job, result any, elapsed time.Duration) {
	q := w.queue
	job.State = StateCompleted
	if result != nil {
		if b, err := jsonMarshal(result); err == nil {
			job.Result = b
		}
	}
	if err := q.saveJob(ctx, job, terminalTTL); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist completed job")
	}
	w.appendHistory(ctx, q.completedKey(), job.ID)
	q.publish(ctx, Event{JobID: job.ID, Type: EventCompleted})

	metrics.IncJob(q.Name(), StateCompleted)
	metrics.ObserveJobDuration(q.Name(), elapsed.Seconds())
	w.log.Info().Str("job_id", job.ID).Dur("duration", elapsed).Msg("job completed")
}

func (w *Worker) failOrRetry(ctx context.Context, job *Job, perr error, elapsed time.Duration) {
	q := w.queue
	job.AttemptsMade++
	job.FailedReason = perr.Error()

	if job.AttemptsMade < job.MaxAttempts {
		// Exponential backoff: base * 2^(attempt-1).
		delay := job.backoff() << (job.AttemptsMade - 1)
		job.State = StateDelayed
		if err := q.saveJob(ctx, job, 0); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist delayed job")
		}
		readyAt := time.Now().Add(delay)
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), float64(readyAt.UnixMilli()), job.ID); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to schedule retry")
		}
		q.publish(ctx, Event{JobID: job.ID, Type: EventRetrying, Error: perr.Error()})
		w.log.Warn().Err(perr).
			Str("job_id", job.ID).
			Int("attempt", job.AttemptsMade).
			Dur("retry_in", delay).
			Msg("job failed, retry scheduled")
		return
	}

	job.State = StateFailed
	if err := q.saveJob(ctx, job, terminalTTL); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist failed job")
	}
	w.appendHistory(ctx, q.failedKey(), job.ID)
	q.publish(ctx, Event{JobID: job.ID, Type: EventFailed, Error: perr.Error()})

	metrics.IncJob(q.Name(), StateFailed)
	metrics.ObserveJobDuration(q.Name(), elapsed.Seconds())
	w.log.Error().Err(perr).Str("job_id", job.ID).Int("attempts", job.AttemptsMade).Msg("job failed permanently")
}

func (w *Worker) appendHistory(ctx context.Context, key, jobID string) {
	q := w.queue
	if err := q.rdb.LPush(ctx, key, jobID); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to append job history")
		return
	}
	_ = q.rdb.LTrim(ctx, key, 0, historyCap-1)
}

// promoteLoop moves due delayed jobs back to waiting and fires due scheduler
// entries. ZRem acts as the claim: when several processes race, only the one
// that actually removed the member proceeds.
func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDelayed(ctx)
			w.promoteSchedulers(ctx)
			if n, err := w.queue.Depth(ctx); err == nil {
				metrics.SetQueueDepth(w.queue.Name(), int(n))
			}
		}
	}
}

func (w *Worker) promoteDelayed(ctx context.Context) {
	q := w.queue
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), "-inf", now)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to read delayed set")
		return
	}
	for _, id := range ids {
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), id)
		if err != nil || n == 0 {
			continue // another process claimed it
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			w.log.Warn().Err(err).Str("job_id", id).Msg("delayed job blob missing")
			continue
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job, 0); err != nil {
			w.log.Error().Err(err).Str("job_id", id).Msg("failed to persist promoted job")
		}
		if err := q.rdb.LPush(ctx, q.waitingKey(), id); err != nil {
			w.log.Error().Err(err).Str("job_id", id).Msg("failed to promote delayed job")
		}
	}
}

func jsonMarshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}
