package collect

import "errors"

var (
	// ErrSessionNotFound is returned by stores when no live entry exists
	// for a session identifier.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionRegeneration means the store could not issue a fresh
	// session identity. The request must fail rather than continue under
	// the stale identity.
	ErrSessionRegeneration = errors.New("session regeneration failed")

	// ErrEnqueue means the enriched record could not be appended to the
	// tracking sink. Session counters are already updated at that point.
	ErrEnqueue = errors.New("record enqueue failed")
)
