package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smart-terminal/backend/internal/config"
	"github.com/smart-terminal/backend/internal/frontend"
	"github.com/smart-terminal/backend/internal/history"
	"github.com/smart-terminal/backend/internal/jobs"
	"github.com/smart-terminal/backend/internal/monitor"
	"github.com/smart-terminal/backend/internal/session"
	"github.com/smart-terminal/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	logFile := flag.String("log-file", "", "Also write logs to this file")
	noHistory := flag.Bool("no-history", false, "Run without the command history database")
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
		log.Println("Debug logging enabled")
	}
	if *port > 0 {
		cfg.Server.Port = *port
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid port: %v", err)
		}
	}

	reg := session.NewRegistry(cfg.Terminal.SessionOptions())
	events := make(chan session.Event, 256)
	reg.SetEvents(events)

	var store *history.Store
	if !*noHistory {
		store, err = history.Open(cfg.History.Database)
		if err != nil {
			log.Printf("History disabled: %v", err)
		}
	}

	sampler := monitor.NewSampler()
	broadcaster := ws.NewBroadcaster(reg, cfg.Privacy.NewPrivacyFilter(),
		cfg.Monitor.BroadcastThrottle, cfg.Monitor.SnapshotInterval, 0)

	fanoutDone := make(chan struct{})
	go fanOut(events, broadcaster, store, fanoutDone)

	var pruner jobs.Pruner
	if store != nil {
		pruner = store
	}
	scheduler, err := jobs.New(reg, pruner, jobs.Options{
		ReapInterval:   cfg.Terminal.ReapInterval,
		PruneSchedule:  cfg.History.PruneSchedule,
		MaxHistoryDays: cfg.History.MaxHistoryDays,
	})
	if err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}
	scheduler.Start()

	server := ws.NewServer(cfg, reg, broadcaster, sampler, store, frontend.Handler())

	// Hijacked terminal connections keep the request context, so cancelling
	// the base context is what ends their bridges.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", cfg.Server.AppName, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Printf("Server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	cancelBase()
	reg.CloseAll()
	if err := server.Wait(shutdownCtx); err != nil {
		log.Printf("Terminal bridges still running: %v", err)
	}

	broadcaster.Stop()
	scheduler.Stop(shutdownCtx)

	reg.SetEvents(nil)
	close(events)
	<-fanoutDone

	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("Close history: %v", err)
		}
	}
	log.Println("Stopped")
}

// fanOut forwards registry events to the listing observers and the session
// history table.
func fanOut(events <-chan session.Event, b *ws.Broadcaster, store *history.Store, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		b.QueueEvent(ev)
		if store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.ApplyEvent(ctx, ev); err != nil {
			log.Printf("[history] record session %s: %v", ev.Info.SessionID, err)
		}
		cancel()
	}
}
