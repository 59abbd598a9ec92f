package scheduler

import "errors"

var (
	// ErrQueueNotRunning is returned when enqueuing on a stopped queue
	ErrQueueNotRunning = errors.New("job queue is not running")

	// ErrJobQueueFull is returned when the buffered channel is full
	ErrJobQueueFull = errors.New("job queue is full")

	// ErrUnknownJobKind is returned for a kind with no registered handler
	ErrUnknownJobKind = errors.New("unknown job kind")
)
