package session

// EventType names a lifecycle notification sent to the control client.
type EventType string

const (
	EventStarted          EventType = "server_started"
	EventStopped          EventType = "server_stopped"
	EventCrashed          EventType = "server_crashed"
	EventStartupCompleted EventType = "startup_completed"
	EventError            EventType = "error"
)

// Event carries a lifecycle change to observers.
type Event struct {
	Type    EventType
	Name    string
	Message string   // set for EventError
	State   *Session // snapshot, may be nil once the session is gone
}
