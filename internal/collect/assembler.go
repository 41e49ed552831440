package collect

import (
	"net/url"

	"github.com/kbs-analytics/collector/internal/enrich"
)

// defaultDeviceType is used when neither the user-agent parse nor the
// caller supplies a device type.
const defaultDeviceType = "desktop"

// AssembleInput gathers everything an enriched record is composed from.
// Session must be the state *before* LastEvent is advanced, so the
// snapshot's lastEvent refers to the previous event.
type AssembleInput struct {
	Request   *CollectRequest
	Event     *Event
	UserAgent string
	Context   *enrich.Context
	SessionID string
	Session   *SessionState
	IP        string
}

// AssembleRecord composes the immutable enriched record. It only reads;
// no session or user field is mutated here. Overlapping fields merge with
// a fixed precedence: parsed context first, caller-supplied values last,
// so explicit client fields always win.
func AssembleRecord(in AssembleInput) *EnrichedRecord {
	req := in.Request
	state := in.Session

	// The record outlives the per-session lock; copy the user so a later
	// request cannot mutate counters while the record is being marshaled.
	user := *state.User

	deviceType := defaultDeviceType
	if t, ok := in.Context.Device["type"].(string); ok && t != "" {
		deviceType = t
	}

	device := mergeFields(
		map[string]any{"os": in.Context.OS, "cpu": in.Context.CPU},
		in.Context.Device,
		map[string]any{"type": deviceType},
		req.Device,
	)

	browser := mergeFields(
		map[string]any{"engine": in.Context.Engine},
		in.Context.Browser,
		req.Browser,
	)

	return &EnrichedRecord{
		TrackerID: req.TrackerID,
		URL:       mergeFields(urlComponents(req.Href()), req.URL),
		Referrer:  req.Referrer,
		Event:     in.Event,
		Device:    device,
		Browser:   browser,
		UserAgent: in.UserAgent,
		User:      &user,
		Session: SessionSnapshot{
			ID:         in.SessionID,
			New:        state.New,
			Events:     state.Events,
			EventsFlow: state.EventsFlow,
			LastEvent:  state.LastEvent,
			Views:      state.Views,
			ViewsFlow:  state.ViewsFlow,
			TS:         state.TS,
		},
		IP:         in.IP,
		ServerSide: req.ServerSide,
	}
}

// mergeFields layers maps left to right; a key in a later layer shadows
// the same key in any earlier one. Nil layers are skipped.
func mergeFields(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// urlComponents splits an href into the component fields downstream
// consumers expect. Search and hash keep their leading separators, the
// same way browsers report them. An unparseable href yields empty
// components; the raw href still rides along from the caller's url object.
func urlComponents(href string) map[string]any {
	components := map[string]any{
		"hostname": "",
		"pathname": "",
		"search":   "",
		"hash":     "",
	}

	u, err := url.Parse(href)
	if err != nil {
		return components
	}

	components["hostname"] = u.Hostname()
	components["pathname"] = u.Path
	if u.RawQuery != "" {
		components["search"] = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		components["hash"] = "#" + u.Fragment
	}
	return components
}
