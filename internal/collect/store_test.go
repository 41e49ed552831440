package collect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Load(missing) error = %v, want ErrSessionNotFound", err)
	}

	state := newSessionState(1000)
	state.User = &User{ID: "user-1", Sessions: 1}
	if err := store.Save(ctx, "sid-1", state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.User.ID != "user-1" || got.TS.Started != 1000 {
		t.Errorf("loaded state = %+v", got)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(10*time.Millisecond, zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	state := newSessionState(1000)
	state.User = &User{ID: "user-1"}
	if err := store.Save(ctx, "sid-1", state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	if _, err := store.Load(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Load(expired) error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStore_Regenerate(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	state := newSessionState(1000)
	state.User = &User{ID: "user-1"}
	if err := store.Save(ctx, "sid-1", state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	newID, err := store.Regenerate(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
	if newID == "" || newID == "sid-1" {
		t.Fatalf("new id = %q, want a fresh identifier", newID)
	}

	if _, err := store.Load(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old id still resolves after regeneration: %v", err)
	}
	// Reserved but not yet saved: looks like first contact.
	if _, err := store.Load(ctx, newID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Load(reserved id) error = %v, want ErrSessionNotFound", err)
	}

	if err := store.Save(ctx, newID, state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := store.Load(ctx, newID); err != nil {
		t.Errorf("Load(new id) error = %v", err)
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestSessionLocks_MutualExclusion(t *testing.T) {
	locks := newSessionLocks()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Acquire("sid-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100 (lost updates)", counter)
	}
	if len(locks.entries) != 0 {
		t.Errorf("lock entries = %d, want 0 after release", len(locks.entries))
	}
}

func TestSessionLocks_IndependentSessions(t *testing.T) {
	locks := newSessionLocks()

	unlockA := locks.Acquire("sid-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Acquire("sid-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated session blocked by another session's lock")
	}
}
