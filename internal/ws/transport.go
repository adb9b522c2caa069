package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
)

var errTransportClosed = errors.New("connection closed")

// Transport is the bridge's view of a client connection.
type Transport interface {
	// Send queues msg for delivery. It blocks while the peer is behind.
	Send(ctx context.Context, msg OutboundMessage) error
	// Receive returns the next raw client frame.
	Receive(ctx context.Context) ([]byte, error)
	// Close flushes queued frames and closes the connection. Pending and
	// later Receive calls fail.
	Close() error
}

// wsTransport adapts a gorilla connection. Writes go through a bounded
// queue drained by a single write pump, which also keeps the connection
// alive with pings.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{} // closed when no more frames are accepted
	pumpDone  chan struct{} // closed when the write pump has exited

	mu         sync.Mutex
	err        error
	closeCode  int
	closeText  string
	pumpFailed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go t.writePump()
	return t
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		t.conn.Close()
		close(t.pumpDone)
	}()

	for {
		select {
		case msg := <-t.send:
			if err := t.write(websocket.TextMessage, msg); err != nil {
				t.fail(err)
				return
			}
		case <-ticker.C:
			if err := t.write(websocket.PingMessage, nil); err != nil {
				t.fail(err)
				return
			}
		case <-t.done:
			t.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame.
func (t *wsTransport) flush() {
	for {
		select {
		case msg := <-t.send:
			if err := t.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			t.mu.Lock()
			code, text := t.closeCode, t.closeText
			t.mu.Unlock()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
			return
		}
	}
}

func (t *wsTransport) write(messageType int, data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(messageType, data)
}

// fail records a write error and stops accepting frames.
func (t *wsTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.pumpFailed = true
	t.mu.Unlock()
	t.shutdown()
}

func (t *wsTransport) shutdown() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *wsTransport) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	return errTransportClosed
}

func (t *wsTransport) Send(ctx context.Context, msg OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &TransportError{Op: "encode", Err: err}
	}

	select {
	case <-t.done:
		return &TransportError{Op: "send", Err: t.closedErr()}
	default:
	}

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return &TransportError{Op: "send", Err: t.closedErr()}
	case <-ctx.Done():
		return &TransportError{Op: "send", Err: ctx.Err()}
	}
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	// gorilla reads are not context aware; expire the deadline instead.
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	t.shutdown()
	select {
	case <-t.pumpDone:
	case <-time.After(writeTimeout):
		t.conn.Close()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pumpFailed {
		return &TransportError{Op: "close", Err: t.err}
	}
	return nil
}

// closeWithCode is Close with a specific close frame status.
func (t *wsTransport) closeWithCode(code int, text string) error {
	t.mu.Lock()
	t.closeCode, t.closeText = code, text
	t.mu.Unlock()
	return t.Close()
}
