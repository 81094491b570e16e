package queue

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// Queue event types published on the per-queue channel.
const (
	EventActive    = "active"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetrying  = "retrying"
)

// Event is the pub/sub notification emitted as jobs move through the queue.
// Consumers use these for logging and observability only, never for control
// flow.
type Event struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Events subscribes to one queue's event channel and logs everything it
// sees. Side-effect only.
type Events struct {
	queue *Queue
	log   *zerolog.Logger
}

func NewEvents(q *Queue, logger *zerolog.Logger) *Events {
	l := logger.With().Str("component", "queue_events").Str("queue", q.Name()).Logger()
	return &Events{queue: q, log: &l}
}

// Run blocks until ctx is done. Intended for a goroutine.
func (e *Events) Run(ctx context.Context) {
	msgs, stop := e.queue.rdb.Subscribe(ctx, e.queue.eventsKey())
	defer func() { _ = stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				e.log.Debug().Str("raw", raw).Msg("undecodable queue event")
				continue
			}
			evt := e.log.Info()
			if ev.Type == EventFailed {
				evt = e.log.Error()
			}
			evt.Str("job_id", ev.JobID).Str("event", ev.Type).Str("error", ev.Error).Msg("queue event")
		}
	}
}
