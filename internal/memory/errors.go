package memory

import "errors"

var (
	// ErrMissingScopeID is returned when an agent, team, or task operation
	// arrives without a scope id.
	ErrMissingScopeID = errors.New("missing scope id")

	// ErrLockHeld is returned when a document's lock marker is still fresh.
	// Contention is transient; callers may retry or drop the write.
	ErrLockHeld = errors.New("memory file locked")
)
