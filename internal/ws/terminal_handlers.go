package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/smart-terminal/backend/internal/monitor"
	"github.com/smart-terminal/backend/internal/session"
)

// handleTerminalWS opens a shell for the connecting client and relays it
// until either side ends the session.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	tc := s.config.Terminal
	cols, ok := queryInt(r, "cols", tc.DefaultCols, 1, tc.MaxCols)
	if !ok {
		writeError(w, http.StatusBadRequest, "cols must be an integer between 1 and the configured maximum")
		return
	}
	rows, ok := queryInt(r, "rows", tc.DefaultRows, 1, tc.MaxRows)
	if !ok {
		writeError(w, http.StatusBadRequest, "rows must be an integer between 1 and the configured maximum")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] terminal upgrade error: %v", err)
		return
	}
	t := newWSTransport(conn)

	sess, err := s.reg.Create(cols, rows)
	if err != nil {
		log.Printf("[server] %s: create session: %v", r.RemoteAddr, err)
		ctx, cancel := context.WithTimeout(r.Context(), errorSendTimeout)
		_ = t.Send(ctx, errorMessage("failed to start terminal: "+err.Error()))
		cancel()
		if cerr := t.closeWithCode(websocket.CloseInternalServerErr, "session unavailable"); cerr != nil {
			log.Printf("[server] %s: %v", r.RemoteAddr, cerr)
		}
		return
	}
	log.Printf("[server] terminal session %s created (pid %d) for %s", sess.ID, sess.PID(), r.RemoteAddr)

	s.bridges.Add(1)
	defer s.bridges.Done()

	if err := t.Send(r.Context(), connectedMessage(sess)); err != nil {
		log.Printf("[server] %s: %v", sess.ID, err)
		s.reg.Close(sess.ID)
		t.Close()
		return
	}

	b := NewBridge(s.reg, sess, t, s.bridgeOpts)
	if err := b.Run(r.Context()); err != nil {
		log.Printf("[server] %s: session ended: %v", sess.ID, err)
	} else {
		log.Printf("[server] %s: session ended", sess.ID)
	}
}

// handleEventsWS streams session listing snapshots and deltas.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] events upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("[server] events client %s rejected: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	defer s.broadcaster.RemoveClient(c)
	// Observers send nothing; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.privacy.FilterSlice(s.reg.List()),
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.reg.Close(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "session_id": id})
}

func (s *Server) handleSessionResources(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	res, err := s.sampler.Process(r.Context(), sess.PID(), sess.Shell)
	if err != nil {
		if errors.Is(err, monitor.ErrNoSuchProcess) {
			writeError(w, http.StatusNotFound, "session process has exited")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.privacy.MaskPIDs {
		res.PID = 0
	}

	writeJSON(w, http.StatusOK, struct {
		SessionID string `json:"session_id"`
		monitor.ProcessResources
		State session.State `json:"state"`
	}{id, res, sess.State()})
}
