package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/smart-terminal/backend/internal/history"
)

const maxHistoryBody = 1 << 20

func (s *Server) requireHistory(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.history == nil {
			writeError(w, http.StatusServiceUnavailable, "history is not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHistoryBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 0)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

// writeHistoryError maps store errors onto status codes.
func writeHistoryError(w http.ResponseWriter, err error) {
	var invalid *history.InvalidError
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, history.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request) {
	var rec history.CommandRecord
	if !decodeBody(w, r, &rec) {
		return
	}
	saved, err := s.history.AddCommand(r.Context(), rec)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Command saved to history",
		"data":    saved,
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", history.DefaultCommandLimit, 1, history.MaxCommandLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	favorites, _ := strconv.ParseBool(r.URL.Query().Get("favorites_only"))

	records, err := s.history.Commands(r.Context(), history.Query{
		Limit:         limit,
		Search:        r.URL.Query().Get("search"),
		FavoritesOnly: favorites,
	})
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   records,
		"total":  len(records),
	})
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	favorite, err := s.history.ToggleFavorite(r.Context(), id)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_favorite": favorite})
}

func (s *Server) handlePruneCommands(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(r, "days", s.config.History.MaxHistoryDays, 1, 1<<20)
	if !ok {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}
	n, err := s.history.PruneOlderThan(r.Context(), days)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.Statistics(r.Context())
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": stats})
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	seqs, err := s.history.Sequences(r.Context())
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seqs)
}

func (s *Server) handleSaveSequence(w http.ResponseWriter, r *http.Request) {
	var seq history.CommandSequence
	if !decodeBody(w, r, &seq) {
		return
	}
	saved, err := s.history.SaveSequence(r.Context(), seq)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.history.DeleteSequence(r.Context(), id); err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", history.DefaultCommandLimit, 1, history.MaxCommandLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	recs, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	if s.privacy.MaskPIDs {
		for i := range recs {
			recs[i].PID = 0
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": recs, "total": len(recs)})
}

func (s *Server) handleGitCommits(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", history.DefaultCommitLimit, 1, history.MaxCommitLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 50")
		return
	}
	repo := r.URL.Query().Get("repo_path")
	if repo == "" {
		repo = r.URL.Query().Get("repo")
	}

	commits, err := history.GitCommits(repo, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": commits, "total": len(commits)})
}

// handleGitStatus reports uncommitted changes in git's short format. It
// does not need the history database.
func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	status, err := history.GitStatus(r.URL.Query().Get("repo_path"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleHistoryData(w http.ResponseWriter, r *http.Request) {
	d, err := s.history.Dump(r.Context())
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": d})
}

// handleExportFile writes a JSON dump into the configured export directory.
func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.history.Export(r.Context(), s.config.History.ExportDir)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "success",
		"message":     "History exported successfully",
		"export_path": path,
	})
}

// handleExport returns every command inline as JSON records or CSV text.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, `format must be "json" or "csv"`)
		return
	}

	records, err := s.history.AllCommands(r.Context())
	if err != nil {
		writeHistoryError(w, err)
		return
	}

	if format == "json" {
		writeJSON(w, http.StatusOK, map[string]any{"format": "json", "data": records})
		return
	}

	var buf bytes.Buffer
	if err := history.WriteCSV(&buf, records); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"format": "csv", "data": buf.String()})
}
