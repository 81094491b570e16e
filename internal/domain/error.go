package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid query execution context")

	// Queue / orchestration errors
	ErrQueueUnavailable  = errors.New("queue broker unavailable")
	ErrActiveBuildExists = errors.New("chat session already has an active build")
	ErrJobNotWaiting     = errors.New("job is not in the waiting list")
	ErrStreamClosed      = errors.New("event stream closed unexpectedly")
)
