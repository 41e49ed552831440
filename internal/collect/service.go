package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kbs-analytics/collector/internal/enrich"
	"go.uber.org/zap"
)

// Publisher appends serialized records to the durable tracking sink.
// Records for one user share a key so they land on one partition in order.
type Publisher interface {
	Append(ctx context.Context, key string, record any) error
}

// RequestMeta is the request-derived context the transport layer hands
// down alongside the validated body.
type RequestMeta struct {
	SessionID string
	UserAgent string
	IP        string
}

type CollectResult struct {
	EventID   string
	SessionID string
}

type ServiceConfig struct {
	SessionDuration time.Duration
	FlowWithPayload bool
}

// Service runs the stitch-mutate-assemble-publish sequence for one beacon.
type Service struct {
	store           SessionStore
	locks           *sessionLocks
	stitcher        *Stitcher
	publisher       Publisher
	flowWithPayload bool
	logger          *zap.Logger
}

func NewService(store SessionStore, publisher Publisher, cfg ServiceConfig, logger *zap.Logger) *Service {
	return &Service{
		store:           store,
		locks:           newSessionLocks(),
		stitcher:        NewStitcher(store, cfg.SessionDuration, logger),
		publisher:       publisher,
		flowWithPayload: cfg.FlowWithPayload,
		logger:          logger,
	}
}

// Collect processes one validated beacon. The per-session lock is held
// across load, stitch, mutation and save, and released before the append
// to the sink, which is the only call here allowed to block on external
// I/O. An append failure surfaces to the caller; session state keeps the
// event (the caller retries with the same event id downstream).
func (s *Service) Collect(ctx context.Context, req *CollectRequest, meta RequestMeta) (*CollectResult, error) {
	sessionID := meta.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	unlock := s.locks.Acquire(sessionID)

	state, err := s.store.Load(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		unlock()
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	sessionID, state, regenerated, err := s.stitcher.Stitch(ctx, sessionID, state, req.Event.TS)
	if err != nil {
		unlock()
		return nil, err
	}

	event := NewEvent(req.Event)
	s.stitcher.Apply(state, event, req.Href(), s.flowWithPayload)

	record := AssembleRecord(AssembleInput{
		Request:   req,
		Event:     event,
		UserAgent: meta.UserAgent,
		Context:   enrich.Parse(meta.UserAgent),
		SessionID: sessionID,
		Session:   state,
		IP:        meta.IP,
	})

	// LastEvent advances only after the snapshot, so the record's
	// session.lastEvent is the previous event and the next request's
	// delta computation sees this one.
	state.LastEvent = event

	// Anything read after unlock must be captured now; a concurrent
	// request for this session may mutate state the moment the lock drops.
	userID := state.User.ID
	newSession := state.New

	if err := s.store.Save(ctx, sessionID, state); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}
	unlock()

	if err := s.publisher.Append(ctx, userID, record); err != nil {
		s.logger.Error("failed to append record",
			zap.String("event_id", event.ID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	s.logger.Info("event collected",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Bool("new_session", newSession),
		zap.Bool("regenerated", regenerated),
	)

	return &CollectResult{EventID: event.ID, SessionID: sessionID}, nil
}
