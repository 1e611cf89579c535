package push

import "errors"

var (
	// ErrNoQueue indicates a failed push had nowhere to go.
	ErrNoQueue = errors.New("push: no retry queue configured")

	// ErrRejected indicates the remote store refused an entity permanently.
	// The returned error wraps the remote cause.
	ErrRejected = errors.New("push rejected")
)
