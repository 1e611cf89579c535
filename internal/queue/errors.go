package queue

import "errors"

var (
	// ErrQueueFull indicates a new entity was refused because the queue
	// reached its hard limit.
	ErrQueueFull = errors.New("retry queue full")

	// ErrSessionExpired indicates an enqueue refused while the session is
	// expired.
	ErrSessionExpired = errors.New("enqueue rejected: session expired")

	// ErrNoReplayer indicates a pass was requested before SetReplayer.
	ErrNoReplayer = errors.New("retry queue has no replayer")

	// ErrInvalidMutation indicates a mutation without entity type or ID.
	ErrInvalidMutation = errors.New("invalid mutation")
)
