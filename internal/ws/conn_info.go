package ws

import "time"

// ConnInfo is handshake metadata kept for logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
