package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/smart-terminal/backend/internal/config"
	"github.com/smart-terminal/backend/internal/history"
	"github.com/smart-terminal/backend/internal/monitor"
	"github.com/smart-terminal/backend/internal/session"
)

// Version is reported by the info endpoint. Overridden at build time.
var Version = "dev"

type Server struct {
	config      *config.Config
	reg         *session.Registry
	broadcaster *Broadcaster
	sampler     *monitor.Sampler
	history     *history.Store
	privacy     *session.PrivacyFilter
	frontend    http.Handler

	corsOrigins    []string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader
	bridgeOpts     BridgeOptions

	bridges sync.WaitGroup
}

// NewServer wires the HTTP surface. history and frontend may be nil; the
// history routes then answer 503 and no static files are served.
func NewServer(cfg *config.Config, reg *session.Registry, broadcaster *Broadcaster, sampler *monitor.Sampler, store *history.Store, frontend http.Handler) *Server {
	s := &Server{
		config:         cfg,
		reg:            reg,
		broadcaster:    broadcaster,
		sampler:        sampler,
		history:        store,
		privacy:        cfg.Privacy.NewPrivacyFilter(),
		frontend:       frontend,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		bridgeOpts: BridgeOptions{
			ChunkSize:    cfg.Terminal.ChunkSize,
			MaxInputSize: cfg.Terminal.MaxInputSize,
			MaxPending:   cfg.Terminal.MaxPending,
			DrainTimeout: cfg.Terminal.DrainTimeout,
		},
	}

	for _, origin := range cfg.Server.CORSOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.corsOrigins = append(s.corsOrigins, trimmed)
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	return s
}

// Router builds the chi router with every route and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if s.config.Server.Debug {
		r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{Logger: log.Default(), NoColor: true}))
	}
	r.Use(chimw.Recoverer)
	// An empty origin list would make the cors handler allow every origin.
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/api/info", s.handleInfo)

	r.Route("/api/terminal", func(r chi.Router) {
		r.Get("/ws", s.handleTerminalWS)
		r.Get("/events", s.handleEventsWS)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleCloseSession)
		r.Get("/sessions/{id}/resources", s.handleSessionResources)
	})

	r.Route("/api/resources", func(r chi.Router) {
		r.Get("/system", s.handleSystemResources)
		r.Get("/system/stream", s.handleSystemStream)
		r.Get("/process/{pid}", s.handleProcessResources)
		r.Post("/process/{pid}/track", s.handleTrackProcess)
		r.Post("/process/{pid}/stop", s.handleStopTracking)
	})

	r.Route("/api/history", func(r chi.Router) {
		r.Use(s.requireHistory)
		r.Post("/commands", s.handleAddCommand)
		r.Get("/commands", s.handleListCommands)
		r.Patch("/commands/{id}/favorite", s.handleToggleFavorite)
		r.Delete("/commands/old", s.handlePruneCommands)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/sequences", s.handleListSequences)
		r.Post("/sequences", s.handleSaveSequence)
		r.Delete("/sequences/{id}", s.handleDeleteSequence)
		r.Get("/sessions", s.handleSessionHistory)
		r.Get("/git-commits", s.handleGitCommits)
		r.Get("/data", s.handleHistoryData)
		r.Post("/export", s.handleExportFile)
		r.Get("/export", s.handleExport)
	})

	r.Route("/api/ai", func(r chi.Router) {
		r.Get("/git-status", s.handleGitStatus)
	})

	if s.frontend != nil {
		log.Println("[server] serving embedded frontend")
		r.Handle("/*", s.frontend)
	} else {
		r.Get("/", s.handleInfo)
	}

	return r
}

// Wait blocks until every terminal bridge has finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bridges.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.reg.Len(),
		"monitor":         s.sampler.Health(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":     s.config.Server.AppName,
		"version": Version,
		"status":  "running",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// queryInt parses an optional integer query parameter. ok is false when the
// value is present but not an integer in [min, max].
func queryInt(r *http.Request, name string, def, min, max int) (v int, ok bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if s.allowedOrigins[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if s.allowedHosts[host] || host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
