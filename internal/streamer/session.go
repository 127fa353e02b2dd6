package streamer

import (
	"strconv"
	"time"
)

// State is the lifecycle state of the stream session.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// Store keys for the stream session. The session hash and the stop
// flag are separate keys so that any process can request a stop
// without touching session state.
const (
	sessionKey = "streaming:state"
	stopKey    = "streaming:stop_requested"
	fieldState = "state"
	fieldFPS   = "fps"
	fieldQual  = "quality"
	fieldSubs  = "subscriber_count"
	fieldSince = "started_at"
	fieldFlag  = "value"
	fieldReqAt = "requested_at"
	flagSet    = "1"
)

// Session is the observable state of the screen-sharing session.
// FPS and Quality are fixed for the session's lifetime.
// SubscriberCount is informational, not authoritative for lifecycle.
type Session struct {
	State           State     `json:"state"`
	FPS             int       `json:"fps,omitempty"`
	Quality         int       `json:"quality,omitempty"`
	SubscriberCount int       `json:"subscriber_count"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	StopRequested   bool      `json:"stop_requested"`
}

func sessionFromFields(fields map[string]string, stopRequested bool) Session {
	s := Session{
		State:         StateIdle,
		StopRequested: stopRequested,
	}

	if len(fields) == 0 {
		return s
	}

	if state := fields[fieldState]; state != "" {
		s.State = State(state)
	}

	s.FPS, _ = strconv.Atoi(fields[fieldFPS])
	s.Quality, _ = strconv.Atoi(fields[fieldQual])
	s.SubscriberCount, _ = strconv.Atoi(fields[fieldSubs])

	if raw := fields[fieldSince]; raw != "" {
		s.StartedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}

	return s
}
