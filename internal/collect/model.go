package collect

import (
	"encoding/json"

	"github.com/google/uuid"
)

const EventTypePageview = "pageview"

// emptyPayload is what gets stored in place of a pageview payload.
var emptyPayload = json.RawMessage("{}")

// Timestamps are client-reported epoch milliseconds. Started is when the
// event itself began, KBSStarted is when the client believes the session
// began.
type Timestamps struct {
	Started    int64 `json:"started"`
	KBSStarted int64 `json:"kbsStarted"`
}

// CollectRequest is the inbound beacon envelope. URL, Device, Browser and
// ServerSide stay as raw maps because callers may send arbitrary extra
// fields that override derived context field-by-field.
type CollectRequest struct {
	TrackerID  string         `json:"tracker_id"`
	URL        map[string]any `json:"url"`
	Referrer   string         `json:"referrer"`
	Device     map[string]any `json:"device,omitempty"`
	Browser    map[string]any `json:"browser,omitempty"`
	ServerSide map[string]any `json:"serverSide,omitempty"`
	Event      RequestEvent   `json:"event"`
}

// Href returns the raw URL the event was observed on.
func (r *CollectRequest) Href() string {
	href, _ := r.URL["href"].(string)
	return href
}

type RequestEvent struct {
	Type    string          `json:"type"`
	TS      Timestamps      `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the canonical stored form of one observed client action.
// Pageview payloads are discarded at construction, whatever the client sent.
type Event struct {
	ID      string          `json:"_id"`
	Type    string          `json:"type"`
	TS      Timestamps      `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func NewEvent(req RequestEvent) *Event {
	payload := req.Payload
	if req.Type == EventTypePageview || payload == nil {
		payload = emptyPayload
	}
	return &Event{
		ID:      uuid.NewString(),
		Type:    req.Type,
		TS:      req.TS,
		Payload: payload,
	}
}

// User identifies a physical visitor across sessions. Counters only ever
// go up; they survive session regeneration.
type User struct {
	ID       string `json:"_id"`
	New      bool   `json:"new"`
	Sessions int    `json:"sessions"`
	Events   int    `json:"events"`
	Views    int    `json:"views"`
}

// FlowEntry is the compact per-event summary kept in the session's event
// flow. Payload is null when flow payload capture is disabled.
type FlowEntry struct {
	ID      string          `json:"_id"`
	Href    string          `json:"href"`
	Type    string          `json:"type"`
	TS      Timestamps      `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type SessionTS struct {
	Started int64 `json:"started"`
}

// SessionState is everything the store keeps for one session identifier.
// Invariant: len(EventsFlow) == Events and len(ViewsFlow) == Views; both
// reset together when a session starts, never independently.
type SessionState struct {
	New        bool        `json:"new"`
	User       *User       `json:"user"`
	Events     int         `json:"events"`
	EventsFlow []FlowEntry `json:"eventsFlow"`
	Views      int         `json:"views"`
	ViewsFlow  []string    `json:"viewsFlow"`
	TS         SessionTS   `json:"ts"`
	LastEvent  *Event      `json:"lastEvent,omitempty"`
}

// newSessionState returns the zeroed state every fresh or regenerated
// session starts from.
func newSessionState(kbsStarted int64) *SessionState {
	return &SessionState{
		New:        true,
		EventsFlow: []FlowEntry{},
		ViewsFlow:  []string{},
		TS:         SessionTS{Started: kbsStarted},
	}
}

// SessionSnapshot is the session view embedded in an enriched record.
// LastEvent is the event *preceding* the one being recorded; the snapshot
// is taken before the stitcher advances it.
type SessionSnapshot struct {
	ID         string      `json:"_id"`
	New        bool        `json:"new"`
	Events     int         `json:"events"`
	EventsFlow []FlowEntry `json:"eventsFlow"`
	LastEvent  *Event      `json:"lastEvent"`
	Views      int         `json:"views"`
	ViewsFlow  []string    `json:"viewsFlow"`
	TS         SessionTS   `json:"ts"`
}

// EnrichedRecord is the immutable unit appended to the tracking sink.
type EnrichedRecord struct {
	TrackerID  string          `json:"tracker_id"`
	URL        map[string]any  `json:"url"`
	Referrer   string          `json:"referrer"`
	Event      *Event          `json:"event"`
	Device     map[string]any  `json:"device"`
	Browser    map[string]any  `json:"browser"`
	UserAgent  string          `json:"userAgent"`
	User       *User           `json:"user"`
	Session    SessionSnapshot `json:"session"`
	IP         string          `json:"ip"`
	ServerSide map[string]any  `json:"serverSide,omitempty"`
}
