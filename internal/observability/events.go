package observability

import "time"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEvent describes one lifecycle step of a relay connection.
type WSEvent struct {
	Group       string    `json:"group"`
	Event       string    `json:"event"`
	ConnID      string    `json:"conn_id"`
	DurationMS  int64     `json:"duration_ms"`
	Reason      string    `json:"reason"`
	ConnectedAt time.Time `json:"-"`
}

// Identity is who opened the connection, as far as the relay knows.
type Identity struct {
	UserID   *int   `json:"user_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

type wsEventPayload struct {
	WS       WSEvent  `json:"ws"`
	Identity Identity `json:"identity"`
}

func newWSEnvelope(ev WSEvent, identity Identity) EventEnvelope {
	if !ev.ConnectedAt.IsZero() {
		ev.DurationMS = time.Since(ev.ConnectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType: "ws_events",
		EventName: ev.Event,
		Payload:   wsEventPayload{WS: ev, Identity: identity},
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
