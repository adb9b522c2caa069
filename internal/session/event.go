package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventCreated EventType = iota // shell spawned and registered
	EventClosed                   // session terminated and forgotten
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	Info        Info // snapshot (safe to retain)
	ActiveCount int  // live sessions at event time
}
