package collect

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// SessionStore keeps session state keyed by an opaque identifier. Entries
// expire on the store's own TTL; expiry and the stitcher's inactivity
// threshold are independent policies (an expired entry simply looks like a
// first contact).
type SessionStore interface {
	// Load returns the state for id, or ErrSessionNotFound.
	Load(ctx context.Context, id string) (*SessionState, error)
	// Save writes state under id and refreshes its TTL.
	Save(ctx context.Context, id string, state *SessionState) error
	// Regenerate invalidates oldID and issues a fresh identifier. Once it
	// returns, the old identifier must no longer resolve.
	Regenerate(ctx context.Context, oldID string) (string, error)
	Close() error
}

// NewSessionID mints a session identifier. ULIDs keep identifiers opaque
// to clients while staying sortable in downstream storage.
func NewSessionID() string {
	return ulid.Make().String()
}

// sessionLocks serializes request handling per session identifier so that
// concurrent beacons bearing the same cookie cannot interleave the
// load-stitch-save sequence.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the caller holds the lock for id and returns the
// release func. Entries are reference counted so the map does not grow
// with every session ever seen.
func (l *sessionLocks) Acquire(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
