package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Repeat describes a recurring schedule. Either Every (fixed interval) or
// StepDays (day-of-month stepping at AtHourUTC, days where
// (day-1) % StepDays == 0) is set.
type Repeat struct {
	Every     time.Duration `json:"every,omitempty"`
	StepDays  int           `json:"stepDays,omitempty"`
	AtHourUTC int           `json:"atHourUtc,omitempty"`
}

// Next computes the first fire time strictly after now.
func (r Repeat) Next(now time.Time) time.Time {
	if r.Every > 0 {
		return now.Add(r.Every)
	}
	return NextPatternRun(r.StepDays, r.AtHourUTC, now)
}

// NextPatternRun returns the next day-of-month-stepped fire time after now:
// the smallest day d >= today (or tomorrow, when today's fire time already
// passed) with (d-1) % stepDays == 0, at atHourUTC:00 UTC. When no such day
// remains this month it rolls to day 1 of the next month, which always
// qualifies.
func NextPatternRun(stepDays, atHourUTC int, now time.Time) time.Time {
	if stepDays <= 0 {
		stepDays = 1
	}
	now = now.UTC()
	start := now.Day()
	todayFire := time.Date(now.Year(), now.Month(), start, atHourUTC, 0, 0, 0, time.UTC)
	if !now.Before(todayFire) {
		start++
	}
	last := daysInMonth(now.Year(), now.Month())
	for d := start; d <= last; d++ {
		if (d-1)%stepDays == 0 {
			return time.Date(now.Year(), now.Month(), d, atHourUTC, 0, 0, 0, time.UTC)
		}
	}
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, atHourUTC, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, 0)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// SchedulerEntry is one repeatable job registration, keyed by a stable
// identifier so re-registration updates in place instead of duplicating.
type SchedulerEntry struct {
	Key     string          `json:"key"`
	JobName string          `json:"jobName"`
	Data    json.RawMessage `json:"data"`
	Repeat  Repeat          `json:"repeat"`
	NextRun time.Time       `json:"nextRun"`
}

func (q *Queue) schedulersKey() string    { return q.key("schedulers") }
func (q *Queue) schedulerNextKey() string { return q.key("scheduler_next") }

// UpsertScheduler registers (or re-registers) a repeatable job. Idempotent:
// the hash field and zset member are both keyed by the stable key, so calling
// this twice leaves exactly one active schedule.
func (q *Queue) UpsertScheduler(ctx context.Context, key string, repeat Repeat, jobName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal scheduler payload: %w", err)
	}
	entry := SchedulerEntry{
		Key:     key,
		JobName: jobName,
		Data:    data,
		Repeat:  repeat,
		NextRun: repeat.Next(time.Now()),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.rdb.HSet(ctx, q.schedulersKey(), key, b); err != nil {
		return fmt.Errorf("store scheduler: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.schedulerNextKey(), float64(entry.NextRun.UnixMilli()), key); err != nil {
		return fmt.Errorf("schedule next run: %w", err)
	}
	q.log.Info().Str("scheduler_key", key).Time("next_run", entry.NextRun).Msg("scheduler upserted")
	return nil
}

// RemoveScheduler deletes a repeatable job registration.
func (q *Queue) RemoveScheduler(ctx context.Context, key string) error {
	if _, err := q.rdb.ZRem(ctx, q.schedulerNextKey(), key); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.schedulersKey(), key)
}

// Schedulers lists the registered repeatable jobs.
func (q *Queue) Schedulers(ctx context.Context) ([]SchedulerEntry, error) {
	m, err := q.rdb.HGetAll(ctx, q.schedulersKey())
	if err != nil {
		return nil, err
	}
	out := make([]SchedulerEntry, 0, len(m))
	for _, raw := range m {
		var e SchedulerEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// promoteSchedulers enqueues a fresh job for every due scheduler entry and
// advances its next-run time. The ZRem claim keeps concurrent promoters from
// double-firing one entry.
func (w *Worker) promoteSchedulers(ctx context.Context) {
	q := w.queue
	now := time.Now()
	due, err := q.rdb.ZRangeByScore(ctx, q.schedulerNextKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		w.log.Error().Err(err).Msg("failed to read scheduler set")
		return
	}
	for _, key := range due {
		n, err := q.rdb.ZRem(ctx, q.schedulerNextKey(), key)
		if err != nil || n == 0 {
			continue
		}
		raw, err := q.rdb.HGet(ctx, q.schedulersKey(), key)
		if err != nil {
			continue // removed concurrently
		}
		var entry SchedulerEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			w.log.Warn().Err(err).Str("scheduler_key", key).Msg("corrupt scheduler entry, dropping")
			_ = q.rdb.HDel(ctx, q.schedulersKey(), key)
			continue
		}

		if _, err := q.Add(ctx, entry.JobName, entry.Data, AddOptions{Attempts: 1}); err != nil {
			w.log.Error().Err(err).Str("scheduler_key", key).Msg("failed to enqueue scheduled job")
			// Put the entry back so the next tick retries.
			_ = q.rdb.ZAdd(ctx, q.schedulerNextKey(), float64(entry.NextRun.UnixMilli()), key)
			continue
		}

		entry.NextRun = entry.Repeat.Next(now)
		if b, err := json.Marshal(entry); err == nil {
			_ = q.rdb.HSet(ctx, q.schedulersKey(), key, b)
		}
		if err := q.rdb.ZAdd(ctx, q.schedulerNextKey(), float64(entry.NextRun.UnixMilli()), key); err != nil {
			w.log.Error().Err(err).Str("scheduler_key", key).Msg("failed to advance scheduler")
		}
		w.log.Info().Str("scheduler_key", key).Time("next_run", entry.NextRun).Msg("scheduled job fired")
	}
}
