package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smart-terminal/backend/internal/session"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Terminal is an attached shell session on the server.
type Terminal struct {
	SessionID string
	PID       int

	conn    *websocket.Conn
	writeMu sync.Mutex // serialises all conn writes

	inMu  sync.Mutex
	input session.Decoder
}

// Dial opens a terminal socket and waits for the server to report the new
// session. A spawn failure on the server comes back as *ServerError.
func Dial(ctx context.Context, wsURL string) (*Terminal, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	var hello serverMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for session: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch hello.Type {
	case MsgConnected:
		return &Terminal{SessionID: hello.SessionID, PID: hello.PID, conn: conn}, nil
	case MsgError:
		conn.Close()
		return nil, &ServerError{Message: hello.Message}
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected %q frame before connected", hello.Type)
	}
}

func (t *Terminal) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(v)
}

// Input sends keystrokes to the shell.
func (t *Terminal) Input(data string) error {
	return t.writeJSON(inputMessage{Type: MsgInput, Data: data})
}

// Write sends raw bytes as input. A multi-byte character split across two
// writes is held back until it is complete.
func (t *Terminal) Write(p []byte) (int, error) {
	t.inMu.Lock()
	data := t.input.Decode(p)
	t.inMu.Unlock()
	if data == "" {
		return len(p), nil
	}
	if err := t.Input(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize changes the server-side window size.
func (t *Terminal) Resize(cols, rows int) error {
	return t.writeJSON(resizeMessage{Type: MsgResize, Cols: cols, Rows: rows})
}

// End asks the server to terminate the session. The server closes the
// socket once the shell is gone.
func (t *Terminal) End() error {
	return t.writeJSON(closeMessage{Type: MsgClose})
}

// Close drops the connection without waiting for the server.
func (t *Terminal) Close() error {
	return t.conn.Close()
}

// Copy writes shell output to w until the session ends. A normal close
// returns nil; an error frame returns *ServerError.
func (t *Terminal) Copy(w io.Writer) error {
	var serverErr error
	for {
		var msg serverMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			if serverErr != nil {
				return serverErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("session closed: %d %s", closeErr.Code, closeErr.Text)
			}
			return err
		}

		switch msg.Type {
		case MsgOutput:
			if _, err := io.WriteString(w, msg.Data); err != nil {
				return err
			}
		case MsgError:
			serverErr = &ServerError{Message: msg.Message}
		}
	}
}
