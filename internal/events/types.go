// Package events carries manager traffic and connection state between the
// bridge components: the connector publishes, the journal, MQTT telemetry and
// the websocket stream consume.
package events

import "time"

// EventType is the kind of notification sent through the EventBus.
type EventType string

const (
	// Manager traffic
	EventManagerEvent    EventType = "manager_event"
	EventManagerResponse EventType = "manager_response"

	// Connection lifecycle
	EventManagerConnected    EventType = "manager_connected"
	EventManagerDisconnected EventType = "manager_disconnected"
	EventManagerShutdown     EventType = "manager_shutdown"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// ConnectionState describes the bridge's link to the manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

var connectionStateStrings = map[ConnectionState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateFailed:       "failed",
}

// String returns the lowercase name of the state.
func (s ConnectionState) String() string {
	if str, ok := connectionStateStrings[s]; ok {
		return str
	}
	return "disconnected"
}

// MarshalJSON serializes the state as a JSON string (e.g. "connected").
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event is a single notification on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ManagerEventPayload is one event packet received from the manager.
type ManagerEventPayload struct {
	Name       string            `json:"name"`
	Headers    map[string]string `json:"headers"`
	Data       []string          `json:"data,omitempty"`
	Source     string            `json:"source"`
	ReceivedAt time.Time         `json:"received_at"`
}

// ResponsePayload is a response to an action issued through the bridge.
type ResponsePayload struct {
	Action   string            `json:"action"`
	Response string            `json:"response"`
	Headers  map[string]string `json:"headers"`
	Data     []string          `json:"data,omitempty"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// ConnectionPayload accompanies connection lifecycle events.
type ConnectionPayload struct {
	Address string          `json:"address"`
	State   ConnectionState `json:"state"`
	Reason  string          `json:"reason,omitempty"`
	At      time.Time       `json:"at"`
}

// ConfigChangedPayload is emitted when the configuration file is reloaded.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
