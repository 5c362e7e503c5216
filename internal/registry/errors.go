package registry

import "errors"

// Lifecycle errors returned to callers. The collaborator layer surfaces
// them as user-visible notifications; the core never drops them silently.
var (
	// ErrLimitExceeded means the session ID pool is exhausted.
	ErrLimitExceeded = errors.New("session limit exceeded")
	// ErrNotFound means the operation referenced an unknown session ID.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyInProgress means a concurrent delete of the same session
	// is still running.
	ErrAlreadyInProgress = errors.New("session removal already in progress")
	// ErrProtectedMinimum means the delete would drop the live count below
	// the configured minimum while the protect-last policy is enabled.
	ErrProtectedMinimum = errors.New("deletion would violate minimum session policy")
	// ErrClosed means the registry has been disposed.
	ErrClosed = errors.New("registry is closed")
)
