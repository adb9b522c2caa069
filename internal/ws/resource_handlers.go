package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"

	"github.com/smart-terminal/backend/internal/monitor"
)

func (s *Server) handleSystemResources(w http.ResponseWriter, r *http.Request) {
	res, err := s.sampler.System(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSystemStream pushes a system sample every monitor interval as
// server-sent events until the client goes away.
func (s *Server) handleSystemStream(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = s.sampler.Watch(r.Context(), s.config.Monitor.Interval, func(res monitor.SystemResources) error {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		msg := &sse.Message{}
		msg.AppendData(string(data))
		if err := sess.Send(msg); err != nil {
			return err
		}
		return sess.Flush()
	})
	if err != nil && r.Context().Err() == nil {
		log.Printf("[server] resource stream %s: %v", r.RemoteAddr, err)
	}
}

func pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "pid must be a positive integer")
		return 0, false
	}
	return pid, true
}

func writeSampleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNoSuchProcess):
		writeError(w, http.StatusNotFound, "process not found")
	case errors.Is(err, monitor.ErrNotTracked):
		writeError(w, http.StatusNotFound, "process not tracked")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleProcessResources samples a process. Tracked processes also record
// the sample toward their summary.
func (s *Server) handleProcessResources(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}

	res, err := s.sampler.Tracked(r.Context(), pid)
	if errors.Is(err, monitor.ErrNotTracked) {
		res, err = s.sampler.Process(r.Context(), pid, "")
	}
	if err != nil {
		writeSampleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrackProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	command := r.URL.Query().Get("command")
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	if err := s.sampler.Track(r.Context(), pid, command); err != nil {
		writeSampleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "tracking", "pid": pid})
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	summary, found := s.sampler.StopTracking(pid)
	if !found {
		writeSampleError(w, monitor.ErrNotTracked)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
