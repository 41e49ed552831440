package collect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStore struct {
	regenerated []string
	nextID      string
	regenErr    error
}

func (f *fakeStore) Load(ctx context.Context, id string) (*SessionState, error) {
	return nil, ErrSessionNotFound
}

func (f *fakeStore) Save(ctx context.Context, id string, state *SessionState) error {
	return nil
}

func (f *fakeStore) Regenerate(ctx context.Context, oldID string) (string, error) {
	if f.regenErr != nil {
		return "", f.regenErr
	}
	f.regenerated = append(f.regenerated, oldID)
	if f.nextID != "" {
		return f.nextID, nil
	}
	return NewSessionID(), nil
}

func (f *fakeStore) Close() error { return nil }

const testThreshold = 30 * time.Minute

func testStitcher(store SessionStore) *Stitcher {
	return NewStitcher(store, testThreshold, zap.NewNop())
}

func activeState(lastStarted int64) *SessionState {
	state := newSessionState(1000)
	state.New = false
	state.User = &User{ID: "user-1", Sessions: 1, Events: 1, Views: 1}
	state.LastEvent = &Event{
		ID:   "event-1",
		Type: EventTypePageview,
		TS:   Timestamps{Started: lastStarted, KBSStarted: 1000},
	}
	return state
}

func TestStitch_NewVisitor(t *testing.T) {
	s := testStitcher(&fakeStore{})

	id, state, regenerated, err := s.Stitch(context.Background(), "sid-1", nil, Timestamps{Started: 1000, KBSStarted: 1000})
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if regenerated {
		t.Error("first contact must not count as regeneration")
	}
	if id != "sid-1" {
		t.Errorf("session id = %q, want sid-1", id)
	}
	if !state.New {
		t.Error("fresh session must be new")
	}
	if state.User == nil || state.User.ID == "" {
		t.Fatal("user must be created with an id")
	}
	if !state.User.New || state.User.Sessions != 1 {
		t.Errorf("user = %+v, want new with sessions=1", state.User)
	}
	if state.User.Events != 0 || state.User.Views != 0 {
		t.Errorf("user counters = %d/%d, want 0/0", state.User.Events, state.User.Views)
	}
	if state.TS.Started != 1000 {
		t.Errorf("session started = %d, want kbsStarted 1000", state.TS.Started)
	}
	if len(state.EventsFlow) != 0 || len(state.ViewsFlow) != 0 {
		t.Error("fresh session must have empty flows")
	}
}

func TestStitch_ContinuesWithinThreshold(t *testing.T) {
	tests := []struct {
		name        string
		lastStarted int64
		nowStarted  int64
	}{
		{"immediate follow-up", 1000, 1001},
		{"gap exactly at threshold", 1000, 1000 + testThreshold.Milliseconds()},
		{"out of order timestamps", 5000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			s := testStitcher(store)
			state := activeState(tt.lastStarted)

			id, got, regenerated, err := s.Stitch(context.Background(), "sid-1", state, Timestamps{Started: tt.nowStarted, KBSStarted: tt.nowStarted})
			if err != nil {
				t.Fatalf("Stitch() error = %v", err)
			}
			if regenerated {
				t.Fatal("session must not regenerate within the threshold")
			}
			if id != "sid-1" {
				t.Errorf("session id = %q, want sid-1", id)
			}
			if got.New {
				t.Error("continuing session must not be marked new")
			}
			if got.User.New {
				t.Error("returning user must not be marked new")
			}
			if len(store.regenerated) != 0 {
				t.Error("store.Regenerate must not be called")
			}
		})
	}
}

func TestStitch_FirstEventNeverRegenerates(t *testing.T) {
	store := &fakeStore{}
	s := testStitcher(store)

	state := activeState(0)
	state.LastEvent = nil

	// Huge timestamps cannot force regeneration without a lastEvent.
	_, _, regenerated, err := s.Stitch(context.Background(), "sid-1", state, Timestamps{Started: 1 << 50, KBSStarted: 1 << 50})
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if regenerated || len(store.regenerated) != 0 {
		t.Error("session without a lastEvent must never regenerate")
	}
}

func TestStitch_GapBeyondThresholdRegenerates(t *testing.T) {
	store := &fakeStore{nextID: "sid-2"}
	s := testStitcher(store)
	state := activeState(1000)

	started := 1000 + testThreshold.Milliseconds() + 1
	id, got, regenerated, err := s.Stitch(context.Background(), "sid-1", state, Timestamps{Started: started, KBSStarted: started})
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if !regenerated {
		t.Fatal("gap beyond threshold must regenerate")
	}
	if id != "sid-2" {
		t.Errorf("session id = %q, want sid-2", id)
	}
	if len(store.regenerated) != 1 || store.regenerated[0] != "sid-1" {
		t.Errorf("store.Regenerate calls = %v, want exactly [sid-1]", store.regenerated)
	}
	if !got.New {
		t.Error("regenerated session must be new")
	}
	if got.User.ID != "user-1" {
		t.Errorf("user id = %q, want the carried-over user-1", got.User.ID)
	}
	if got.User.Sessions != 2 {
		t.Errorf("user sessions = %d, want 2", got.User.Sessions)
	}
	if got.User.Events != 1 || got.User.Views != 1 {
		t.Error("user counters must survive regeneration")
	}
	if got.Events != 0 || got.Views != 0 || len(got.EventsFlow) != 0 || len(got.ViewsFlow) != 0 {
		t.Error("session counters and flows must reset on regeneration")
	}
	if got.TS.Started != started {
		t.Errorf("session started = %d, want %d", got.TS.Started, started)
	}
	if got.LastEvent != nil {
		t.Error("regenerated session must not carry a lastEvent")
	}
}

func TestStitch_RegenerationFailureIsHard(t *testing.T) {
	store := &fakeStore{regenErr: errors.New("store down")}
	s := testStitcher(store)
	state := activeState(1000)

	started := 1000 + testThreshold.Milliseconds() + 1
	_, _, _, err := s.Stitch(context.Background(), "sid-1", state, Timestamps{Started: started, KBSStarted: started})
	if !errors.Is(err, ErrSessionRegeneration) {
		t.Fatalf("Stitch() error = %v, want ErrSessionRegeneration", err)
	}
}

func TestApply_CustomEvent(t *testing.T) {
	s := testStitcher(&fakeStore{})
	state := newSessionState(1000)
	state.User = &User{ID: "user-1", Sessions: 1}

	event := NewEvent(RequestEvent{
		Type:    "click",
		TS:      Timestamps{Started: 1000, KBSStarted: 1000},
		Payload: json.RawMessage(`{"target":"cta"}`),
	})
	s.Apply(state, event, "https://example.com/pricing", true)

	if state.Events != 1 || state.User.Events != 1 {
		t.Errorf("event counters = %d/%d, want 1/1", state.Events, state.User.Events)
	}
	if state.Views != 0 || state.User.Views != 0 || len(state.ViewsFlow) != 0 {
		t.Error("custom events must not touch view counters")
	}
	if len(state.EventsFlow) != 1 {
		t.Fatalf("eventsFlow length = %d, want 1", len(state.EventsFlow))
	}
	entry := state.EventsFlow[0]
	if entry.ID != event.ID || entry.Type != "click" || entry.Href != "https://example.com/pricing" {
		t.Errorf("flow entry = %+v", entry)
	}
	if string(entry.Payload) != `{"target":"cta"}` {
		t.Errorf("flow payload = %s, want the event payload", entry.Payload)
	}
}

func TestApply_FlowWithoutPayload(t *testing.T) {
	s := testStitcher(&fakeStore{})
	state := newSessionState(1000)
	state.User = &User{ID: "user-1", Sessions: 1}

	event := NewEvent(RequestEvent{
		Type:    "click",
		TS:      Timestamps{Started: 1000, KBSStarted: 1000},
		Payload: json.RawMessage(`{"target":"cta"}`),
	})
	s.Apply(state, event, "https://example.com/", false)

	if state.EventsFlow[0].Payload != nil {
		t.Errorf("flow payload = %s, want omitted", state.EventsFlow[0].Payload)
	}
}

func TestApply_Pageview(t *testing.T) {
	s := testStitcher(&fakeStore{})
	state := newSessionState(1000)
	state.User = &User{ID: "user-1", Sessions: 1}

	event := NewEvent(RequestEvent{
		Type:    EventTypePageview,
		TS:      Timestamps{Started: 1000, KBSStarted: 1000},
		Payload: json.RawMessage(`{"smuggled":true}`),
	})
	s.Apply(state, event, "https://example.com/docs", true)

	if state.Views != 1 || state.User.Views != 1 {
		t.Errorf("view counters = %d/%d, want 1/1", state.Views, state.User.Views)
	}
	if len(state.ViewsFlow) != 1 || state.ViewsFlow[0] != "https://example.com/docs" {
		t.Errorf("viewsFlow = %v", state.ViewsFlow)
	}
	// Pageview payloads are discarded even when flow payload capture is on.
	if string(event.Payload) != "{}" {
		t.Errorf("stored payload = %s, want {}", event.Payload)
	}
	if string(state.EventsFlow[0].Payload) != "{}" {
		t.Errorf("flow payload = %s, want {}", state.EventsFlow[0].Payload)
	}
}

func TestApply_CountersMatchFlows(t *testing.T) {
	s := testStitcher(&fakeStore{})
	state := newSessionState(1000)
	state.User = &User{ID: "user-1", Sessions: 1}

	types := []string{EventTypePageview, "click", EventTypePageview, "scroll", "click"}
	for i, typ := range types {
		event := NewEvent(RequestEvent{Type: typ, TS: Timestamps{Started: int64(1000 + i), KBSStarted: 1000}})
		s.Apply(state, event, "https://example.com/", true)
	}

	if state.Events != len(state.EventsFlow) {
		t.Errorf("events = %d, flow length = %d", state.Events, len(state.EventsFlow))
	}
	if state.Views != len(state.ViewsFlow) {
		t.Errorf("views = %d, viewsFlow length = %d", state.Views, len(state.ViewsFlow))
	}
	if state.Events != 5 || state.Views != 2 {
		t.Errorf("counters = %d/%d, want 5/2", state.Events, state.Views)
	}
}
