package client

import "github.com/smart-terminal/backend/internal/session"

// MessageType tags terminal socket frames.
type MessageType string

const (
	MsgConnected MessageType = "connected"
	MsgOutput    MessageType = "output"
	MsgError     MessageType = "error"
	MsgInput     MessageType = "input"
	MsgResize    MessageType = "resize"
	MsgClose     MessageType = "close"
)

// serverMessage is any frame the server sends on the terminal socket.
type serverMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	PID       int         `json:"pid,omitempty"`
	Data      string      `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
}

type inputMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type resizeMessage struct {
	Type MessageType `json:"type"`
	Cols int         `json:"cols"`
	Rows int         `json:"rows"`
}

type closeMessage struct {
	Type MessageType `json:"type"`
}

// Session is one row of the server's session listing.
type Session = session.Info

// Health is the /health response.
type Health struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// ServerError is an error frame sent by the server on the terminal socket.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server: " + e.Message }
