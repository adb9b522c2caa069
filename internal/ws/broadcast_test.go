package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-terminal/backend/internal/session"
)

type stubLister struct {
	mu    sync.Mutex
	infos []session.Info
}

func (l *stubLister) List() []session.Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Info(nil), l.infos...)
}

func (l *stubLister) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, info := range l.infos {
		if info.Status == session.StatusActive {
			n++
		}
	}
	return n
}

// eventFrame decodes the envelope with the payload left raw.
type eventFrame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) eventFrame {
	t.Helper()
	var f eventFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func activeInfo(id string, pid int) session.Info {
	return session.Info{
		SessionID: id,
		PID:       pid,
		Shell:     "/usr/bin/zsh",
		Cols:      80,
		Rows:      24,
		State:     session.Running,
		Status:    session.StatusActive,
		CreatedAt: time.Now(),
	}
}

func TestBroadcasterSnapshotOnConnect(t *testing.T) {
	lister := &stubLister{infos: []session.Info{activeInfo("s1", 100)}}
	b := NewBroadcaster(lister, &session.PrivacyFilter{MaskPIDs: true}, time.Hour, time.Hour, 0)
	defer b.Stop()

	serverConn, clientConn := dialTestWS(t)
	_, err := b.AddClient(serverConn)
	require.NoError(t, err)

	f := readFrame(t, clientConn)
	require.Equal(t, MsgSnapshot, f.Type)

	var snap SnapshotPayload
	require.NoError(t, json.Unmarshal(f.Payload, &snap))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "s1", snap.Sessions[0].SessionID)
	assert.Zero(t, snap.Sessions[0].PID, "privacy filter applied")
	assert.Equal(t, 1, snap.ActiveCount)
}

func TestBroadcasterCoalescesDeltas(t *testing.T) {
	lister := &stubLister{}
	b := NewBroadcaster(lister, nil, 50*time.Millisecond, time.Hour, 0)
	defer b.Stop()

	serverConn, clientConn := dialTestWS(t)
	_, err := b.AddClient(serverConn)
	require.NoError(t, err)
	readFrame(t, clientConn) // initial snapshot

	created := activeInfo("s1", 100)
	closed := created
	closed.State = session.Closed
	closed.Status = session.StatusClosed

	b.QueueEvent(session.Event{Type: session.EventCreated, Info: created})
	b.QueueEvent(session.Event{Type: session.EventCreated, Info: activeInfo("s2", 200)})
	b.QueueEvent(session.Event{Type: session.EventClosed, Info: closed})

	f := readFrame(t, clientConn)
	require.Equal(t, MsgDelta, f.Type)

	var delta DeltaPayload
	require.NoError(t, json.Unmarshal(f.Payload, &delta))
	require.Len(t, delta.Updates, 2)
	assert.Equal(t, "s1", delta.Updates[0].SessionID)
	assert.Equal(t, session.StatusClosed, delta.Updates[0].Status, "last state per session wins")
	assert.Equal(t, "s2", delta.Updates[1].SessionID)
}

func TestBroadcasterPeriodicSnapshot(t *testing.T) {
	lister := &stubLister{}
	b := NewBroadcaster(lister, nil, time.Hour, 50*time.Millisecond, 0)
	defer b.Stop()

	serverConn, clientConn := dialTestWS(t)
	_, err := b.AddClient(serverConn)
	require.NoError(t, err)
	readFrame(t, clientConn)

	lister.mu.Lock()
	lister.infos = append(lister.infos, activeInfo("late", 7))
	lister.mu.Unlock()

	f := readFrame(t, clientConn)
	require.Equal(t, MsgSnapshot, f.Type)
	var snap SnapshotPayload
	require.NoError(t, json.Unmarshal(f.Payload, &snap))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "late", snap.Sessions[0].SessionID)
}

func TestAddClientMaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(&stubLister{}, nil, time.Hour, time.Hour, maxConns)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		conn, _ := dialTestWS(t)
		c, err := b.AddClient(conn)
		require.NoError(t, err)
		clients = append(clients, c)
	}
	assert.Equal(t, maxConns, b.ClientCount())

	conn, _ := dialTestWS(t)
	_, err := b.AddClient(conn)
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.Equal(t, maxConns, b.ClientCount())

	b.RemoveClient(clients[0])
	conn2, _ := dialTestWS(t)
	_, err = b.AddClient(conn2)
	assert.NoError(t, err)
	assert.Equal(t, maxConns, b.ClientCount())
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	serverConn, _ := dialTestWS(t)
	b := NewBroadcaster(&stubLister{}, nil, time.Hour, time.Hour, 0)
	defer b.Stop()

	// Build a client directly so we control when writePump starts.
	c := &client{conn: serverConn, b: b, send: make(chan []byte, 4)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	assert.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcasterStop(t *testing.T) {
	b := NewBroadcaster(&stubLister{}, nil, time.Hour, time.Hour, 0)

	serverConn, clientConn := dialTestWS(t)
	_, err := b.AddClient(serverConn)
	require.NoError(t, err)
	readFrame(t, clientConn)

	b.Stop()
	b.Stop()
	assert.Equal(t, 0, b.ClientCount())

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = clientConn.ReadMessage()
	assert.Error(t, err, "observer connection is closed")

	conn, _ := dialTestWS(t)
	_, err = b.AddClient(conn)
	assert.Error(t, err)
}
