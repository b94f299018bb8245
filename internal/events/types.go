// Package events defines the event types published by the reactor and the
// services around it.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionOpened      EventType = "session_opened"
	EventSessionClosed      EventType = "session_closed"
	EventSessionTimeout     EventType = "session_timeout"
	EventConnectionRejected EventType = "connection_rejected"

	// Access events
	EventDDoSDetected EventType = "ddos_detected"
	EventDDoSReset    EventType = "ddos_reset"

	// Inter-server link events
	EventLinkUp   EventType = "link_up"
	EventLinkDown EventType = "link_down"

	// Monitoring events
	EventStats         EventType = "socket_stats"
	EventHealthWarning EventType = "health_warning"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// AllEvents lists every event type, for subscribers that record everything.
var AllEvents = []EventType{
	EventSessionOpened,
	EventSessionClosed,
	EventSessionTimeout,
	EventConnectionRejected,
	EventDDoSDetected,
	EventDDoSReset,
	EventLinkUp,
	EventLinkDown,
	EventStats,
	EventHealthWarning,
	EventConfigChanged,
	EventShutdown,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a session at an open, close or timeout.
type SessionPayload struct {
	FD       int    `json:"fd"`
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Server   bool   `json:"server"`
	Outbound bool   `json:"outbound,omitempty"`
	Idle     int64  `json:"idle,omitempty"`
}

// RejectPayload is emitted when an inbound connection is refused.
type RejectPayload struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"` // "access", "table_full"
}

// DDoSPayload is emitted when an address crosses the connection-rate
// threshold, or when an operator clears it.
type DDoSPayload struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// LinkPayload describes an inter-server link state change.
type LinkPayload struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	FD      int    `json:"fd"`
}

// StatsPayload carries the once-per-second throughput figures.
type StatsPayload struct {
	Sessions  int   `json:"sessions"`
	Capacity  int   `json:"capacity"`
	InPerSec  int64 `json:"in_bytes_per_sec"`
	OutPerSec int64 `json:"out_bytes_per_sec"`
	QueuedIn  int64 `json:"queued_in_bytes"`
	QueuedOut int64 `json:"queued_out_bytes"`
}

// HealthPayload is emitted when a health check fails.
type HealthPayload struct {
	Check   string `json:"check"`
	Message string `json:"message"`
	Level   string `json:"level"` // "warning", "critical"
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
