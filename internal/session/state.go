package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a terminal session.
type State int

const (
	Created State = iota
	Running
	Closing
	Closed
)

var stateNames = map[State]string{
	Created: "created",
	Running: "running",
	Closing: "closing",
	Closed:  "closed",
}

var stateFromName = map[string]State{
	"created": Created,
	"running": Running,
	"closing": Closing,
	"closed":  Closed,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// Listing statuses reported to clients.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Info is a point-in-time snapshot of a session, safe to retain and encode.
type Info struct {
	SessionID string     `json:"session_id"`
	PID       int        `json:"pid"`
	Shell     string     `json:"shell"`
	Cols      int        `json:"cols"`
	Rows      int        `json:"rows"`
	State     State      `json:"state"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Clone returns a deep copy of the Info, duplicating pointer fields.
func (i Info) Clone() Info {
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		i.ClosedAt = &t
	}
	if i.ExitCode != nil {
		c := *i.ExitCode
		i.ExitCode = &c
	}
	return i
}
