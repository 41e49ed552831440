package collect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const janitorInterval = time.Minute

// MemoryStore is the default in-process session store: a TTL'd map with a
// background sweep. Callers are expected to hold the per-session lock
// around Load/Save, so returned state is not copied.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	logger  *zap.Logger
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	state     *SessionState
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*SessionState, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) || e.state == nil {
		return nil, ErrSessionNotFound
	}
	return e.state, nil
}

func (s *MemoryStore) Save(ctx context.Context, id string, state *SessionState) error {
	s.mu.Lock()
	s.entries[id] = &memoryEntry{state: state, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// Regenerate drops the old identifier and reserves a fresh one in a single
// critical section, so no request can resolve the old id once the new one
// exists.
func (s *MemoryStore) Regenerate(ctx context.Context, oldID string) (string, error) {
	newID := NewSessionID()

	s.mu.Lock()
	delete(s.entries, oldID)
	s.entries[newID] = &memoryEntry{expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return newID, nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	swept := 0

	s.mu.Lock()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			swept++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	if swept > 0 {
		s.logger.Debug("expired sessions swept",
			zap.Int("swept", swept),
			zap.Int("remaining", remaining),
		)
	}
}
