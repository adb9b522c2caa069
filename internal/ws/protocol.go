package ws

import (
	"encoding/json"
	"fmt"

	"github.com/smart-terminal/backend/internal/session"
)

type MessageType string

const (
	// server -> client, terminal socket
	MsgConnected MessageType = "connected"
	MsgOutput    MessageType = "output"
	MsgError     MessageType = "error"

	// client -> server, terminal socket
	MsgInput  MessageType = "input"
	MsgResize MessageType = "resize"
	MsgClose  MessageType = "close"

	// server -> client, session events socket
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
)

// OutboundMessage is a frame sent to a terminal client. Only the fields
// belonging to Type are populated.
type OutboundMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	PID       int         `json:"pid,omitempty"`
	Data      string      `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func connectedMessage(s *session.Session) OutboundMessage {
	return OutboundMessage{Type: MsgConnected, SessionID: s.ID, PID: s.PID()}
}

func outputMessage(data string) OutboundMessage {
	return OutboundMessage{Type: MsgOutput, Data: data}
}

func errorMessage(text string) OutboundMessage {
	return OutboundMessage{Type: MsgError, Message: text}
}

// InboundMessage is one of InputMessage, ResizeMessage or CloseMessage.
type InboundMessage interface {
	inbound()
}

// InputMessage carries keystrokes for the shell.
type InputMessage struct {
	Data string
}

// ResizeMessage changes the terminal window size.
type ResizeMessage struct {
	Cols int
	Rows int
}

// CloseMessage asks the server to end the session.
type CloseMessage struct{}

func (InputMessage) inbound()  {}
func (ResizeMessage) inbound() {}
func (CloseMessage) inbound()  {}

// wireInbound mirrors the JSON shape. Pointer fields distinguish a missing
// field from a zero value.
type wireInbound struct {
	Type MessageType `json:"type"`
	Data *string     `json:"data"`
	Cols *int        `json:"cols"`
	Rows *int        `json:"rows"`
}

// ParseInbound decodes a client frame. Anything other than a well-formed
// input, resize or close message yields a *ProtocolError. Input payloads
// longer than maxInput bytes are rejected when maxInput > 0.
func ParseInbound(raw []byte, maxInput int) (InboundMessage, error) {
	var m wireInbound
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, newProtocolError(raw, "malformed message: %v", err)
	}

	switch m.Type {
	case MsgInput:
		if m.Data == nil {
			return nil, newProtocolError(raw, "input message without data")
		}
		if maxInput > 0 && len(*m.Data) > maxInput {
			return nil, newProtocolError(raw, "input of %d bytes exceeds limit of %d", len(*m.Data), maxInput)
		}
		return InputMessage{Data: *m.Data}, nil
	case MsgResize:
		if m.Cols == nil || m.Rows == nil {
			return nil, newProtocolError(raw, "resize message requires cols and rows")
		}
		return ResizeMessage{Cols: *m.Cols, Rows: *m.Rows}, nil
	case MsgClose:
		return CloseMessage{}, nil
	case "":
		return nil, newProtocolError(raw, "message without type")
	default:
		return nil, newProtocolError(raw, "unknown message type %q", m.Type)
	}
}

// maxRawInError bounds how much of an offending frame is kept for logs.
const maxRawInError = 256

// ProtocolError reports a client frame that is not a valid inbound message.
// The offending session is terminated.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func newProtocolError(raw []byte, format string, args ...any) *ProtocolError {
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError]
	}
	return &ProtocolError{
		Reason: fmt.Sprintf(format, args...),
		Raw:    append([]byte(nil), raw...),
	}
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// TransportError reports a failed send or receive on the client connection.
// It tears down that client's session only.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
