package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smart-terminal/backend/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the observer limit is
// reached.
var ErrTooManyConnections = errors.New("too many event connections")

// SessionLister is the registry view the broadcaster needs.
type SessionLister interface {
	List() []session.Info
	Len() int
}

// EventMessage is a frame on the session events socket.
type EventMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type SnapshotPayload struct {
	Sessions    []session.Info `json:"sessions"`
	ActiveCount int            `json:"active_count"`
}

// DeltaPayload carries sessions whose listing entry changed since the last
// frame. Closed sessions appear with status "closed".
type DeltaPayload struct {
	Updates []session.Info `json:"updates"`
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, sendQueueSize),
	}
	go c.writePump()
	return c
}

// writePump drains the queue. A failed write removes the client so the
// broadcaster stops queueing for it.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster pushes session listing changes to observers of
// /api/terminal/events. Registry events are coalesced for the throttle
// window into one delta; a full snapshot goes out on connect and every
// snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	lister   SessionLister
	privacy  *session.PrivacyFilter
	maxConns int
	stopped  bool

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingUpdates []session.Info
	flushTimer     *time.Timer
}

// NewBroadcaster starts the snapshot loop. maxConns <= 0 means unlimited.
func NewBroadcaster(lister SessionLister, privacy *session.PrivacyFilter, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		lister:         lister,
		privacy:        privacy,
		maxConns:       maxConns,
		throttle:       throttle,
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
	}
	go b.snapshotLoop()
	return b
}

func (b *Broadcaster) snapshot() EventMessage {
	return EventMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions:    b.privacy.FilterSlice(b.lister.List()),
			ActiveCount: b.lister.Len(),
		},
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, errTransportClosed
	}
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		return nil, ErrTooManyConnections
	}

	c := newClient(conn, b)
	// The queue is empty, so the initial snapshot always fits.
	if data, err := json.Marshal(b.snapshot()); err != nil {
		log.Printf("[events] snapshot marshal error: %v", err)
	} else {
		c.send <- data
	}
	b.clients[c] = true
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueEvent schedules a registry event for the next delta.
func (b *Broadcaster) QueueEvent(ev session.Event) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates = append(b.pendingUpdates, ev.Info)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// coalesce keeps the last entry per session, in first-seen order.
func coalesce(infos []session.Info) []session.Info {
	index := make(map[string]int, len(infos))
	out := make([]session.Info, 0, len(infos))
	for _, info := range infos {
		if i, ok := index[info.SessionID]; ok {
			out[i] = info
			continue
		}
		index[info.SessionID] = len(out)
		out = append(out, info)
	}
	return out
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pendingUpdates
	b.pendingUpdates = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 {
		return
	}

	b.broadcast(EventMessage{
		Type:    MsgDelta,
		Payload: DeltaPayload{Updates: b.privacy.FilterSlice(coalesce(updates))},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshot())
		case <-b.stop:
			return
		}
	}
}

func (b *Broadcaster) broadcast(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[events] broadcast marshal error: %v", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[events] client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every observer.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.pendingUpdates = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		b.stopped = true
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}
