package engine

import "errors"

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrInvalidProject indicates a project without an ID.
	ErrInvalidProject = errors.New("project id is required")

	// ErrUnknownProject indicates a project the engine holds no local copy of.
	ErrUnknownProject = errors.New("unknown project")

	// ErrNoConflict is returned by ResolveConflict when the project has no
	// pending conflict.
	ErrNoConflict = errors.New("no conflict pending for project")

	// ErrInvalidResolution indicates a resolution choice other than local,
	// remote or merge.
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)
