package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stitcher decides whether an incoming event continues the current session
// or starts a new one, and owns the counter/flow bookkeeping that follows.
type Stitcher struct {
	store   SessionStore
	maxIdle time.Duration
	logger  *zap.Logger
}

func NewStitcher(store SessionStore, maxIdle time.Duration, logger *zap.Logger) *Stitcher {
	return &Stitcher{
		store:   store,
		maxIdle: maxIdle,
		logger:  logger,
	}
}

// Stitch maps (current state, incoming timestamps) to the session the
// event belongs to. It returns the session identifier to continue under
// (a fresh one when the inactivity gap forced regeneration), the state to
// mutate, and whether regeneration happened.
//
// The first event of a session has no lastEvent, so the inactivity check
// is skipped; a session can never regenerate on its own first event.
func (s *Stitcher) Stitch(ctx context.Context, sessionID string, state *SessionState, ts Timestamps) (string, *SessionState, bool, error) {
	if state == nil || state.User == nil {
		fresh := newSessionState(ts.KBSStarted)
		fresh.User = &User{
			ID:       uuid.NewString(),
			New:      true,
			Sessions: 1,
		}
		s.logger.Debug("new visitor",
			zap.String("session_id", sessionID),
			zap.String("user_id", fresh.User.ID),
		)
		return sessionID, fresh, false, nil
	}

	state.User.New = false

	if state.LastEvent != nil {
		delta := ts.Started - state.LastEvent.TS.Started
		if delta > s.maxIdle.Milliseconds() {
			newID, err := s.store.Regenerate(ctx, sessionID)
			if err != nil {
				return "", nil, false, fmt.Errorf("%w: %v", ErrSessionRegeneration, err)
			}

			user := state.User
			fresh := newSessionState(ts.KBSStarted)
			fresh.User = user
			fresh.User.Sessions++

			s.logger.Debug("session regenerated",
				zap.String("old_session_id", sessionID),
				zap.String("new_session_id", newID),
				zap.String("user_id", user.ID),
				zap.Int64("idle_ms", delta),
			)
			return newID, fresh, true, nil
		}
	}

	state.New = false
	return sessionID, state, false, nil
}

// Apply folds an accepted event into the session: user and session event
// counters, the event flow summary, and the view counters/flow for
// pageviews. The caller advances state.LastEvent afterwards, once the
// record snapshot has been taken.
func (s *Stitcher) Apply(state *SessionState, event *Event, href string, flowWithPayload bool) {
	state.User.Events++
	state.Events++

	entry := FlowEntry{
		ID:   event.ID,
		Href: href,
		Type: event.Type,
		TS:   event.TS,
	}
	if flowWithPayload {
		entry.Payload = event.Payload
	}
	state.EventsFlow = append(state.EventsFlow, entry)

	if event.Type == EventTypePageview {
		state.User.Views++
		state.Views++
		state.ViewsFlow = append(state.ViewsFlow, href)
	}
}
