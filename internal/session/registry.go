package session

import (
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultKillTimeout = 2 * time.Second
	defaultRecentLimit = 50
)

// Options configures how a Registry spawns shells.
type Options struct {
	Shell       string        // defaults to $SHELL, then /bin/bash
	WorkDir     string        // empty means the server's working directory
	Env         []string      // extra KEY=VALUE pairs for the child
	MaxCols     int           // defaults to MaxCols
	MaxRows     int           // defaults to MaxRows
	KillTimeout time.Duration // SIGHUP grace before SIGKILL
	RecentLimit int           // closed sessions kept for listings
}

// DefaultShell returns the user's login shell, falling back to bash.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func (o Options) withDefaults() Options {
	if o.Shell == "" {
		o.Shell = DefaultShell()
	}
	if o.MaxCols <= 0 {
		o.MaxCols = MaxCols
	}
	if o.MaxRows <= 0 {
		o.MaxRows = MaxRows
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = defaultKillTimeout
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = defaultRecentLimit
	}
	return o
}

// Registry is the authoritative set of live sessions. All mutation and
// enumeration happen under one lock; lookups may run concurrently.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  map[string]chan struct{}
	recent   []Info
	shutdown bool

	eventsMu      sync.Mutex
	events        chan<- Event
	eventsDropped int64
	lastDropLog   time.Time
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
		closing:  make(map[string]chan struct{}),
	}
}

// SetEvents configures a channel for lifecycle events. Sends never block;
// events that do not fit are dropped.
func (r *Registry) SetEvents(ch chan<- Event) {
	r.eventsMu.Lock()
	r.events = ch
	r.eventsMu.Unlock()
}

// emit delivers an event without blocking. Drops are counted and logged at
// most once per 10 seconds.
func (r *Registry) emit(evType EventType, info Info, active int) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	if r.events == nil {
		return
	}
	select {
	case r.events <- Event{Type: evType, Info: info, ActiveCount: active}:
	default:
		r.eventsDropped++
		now := time.Now()
		if r.lastDropLog.IsZero() || now.Sub(r.lastDropLog) >= 10*time.Second {
			log.Printf("[registry] session events dropped: %d (channel full)", r.eventsDropped)
			r.eventsDropped = 0
			r.lastDropLog = now
		}
	}
}

// Create spawns a shell on a new PTY sized cols x rows and registers it.
// On failure a *SpawnError is returned and nothing is registered.
func (r *Registry) Create(cols, rows int) (*Session, error) {
	r.mu.RLock()
	shutdown := r.shutdown
	r.mu.RUnlock()
	if shutdown {
		return nil, ErrRegistryClosed
	}

	s, err := start(uuid.NewString(), r.opts, cols, rows)
	if err != nil {
		log.Printf("[registry] %v", err)
		return nil, err
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		_ = s.Terminate(true)
		return nil, ErrRegistryClosed
	}
	r.sessions[s.ID] = s
	active := len(r.sessions)
	r.mu.Unlock()

	info := s.Info()
	log.Printf("[registry] created session %s (pid %d, %dx%d)", s.ID, info.PID, info.Cols, info.Rows)
	r.emit(EventCreated, info, active)
	return s, nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of live sessions followed by recently closed ones,
// ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	result := make([]Info, 0, len(r.sessions)+len(r.recent))
	for _, s := range r.sessions {
		result = append(result, s.Info())
	}
	for _, info := range r.recent {
		result = append(result, info.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Close terminates a session and forgets it. It is idempotent: unknown ids
// and sessions already being closed are no-ops. It reports whether this
// call removed the entry.
//
// The output reader is detached from the poller before the process and PTY
// are released, and both happen before the entry disappears from the map.
func (r *Registry) Close(id string) bool {
	removed, _ := r.close(id)
	return removed
}

// close does the work of Close. When another caller is already closing the
// session it returns that caller's completion channel instead.
func (r *Registry) close(id string) (bool, <-chan struct{}) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if pending, busy := r.closing[id]; busy {
		r.mu.Unlock()
		return false, pending
	}
	done := make(chan struct{})
	r.closing[id] = done
	r.mu.Unlock()

	s.StopReading()
	if err := s.Terminate(false); err != nil {
		log.Printf("[registry] terminate %s: %v", id, err)
	}
	info := s.Info()

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.closing, id)
	r.remember(info)
	active := len(r.sessions)
	r.mu.Unlock()
	close(done)

	log.Printf("[registry] closed session %s (exit %d)", id, s.ExitCode())
	r.emit(EventClosed, info, active)
	return true, done
}

// remember records a closed session for listings. Caller holds r.mu.
func (r *Registry) remember(info Info) {
	r.recent = append(r.recent, info)
	if over := len(r.recent) - r.opts.RecentLimit; over > 0 {
		r.recent = append(r.recent[:0], r.recent[over:]...)
	}
}

// ReapDead closes sessions whose process exited without an explicit close
// and returns how many it removed. Sessions with an attached reader are
// left to their bridge, which drains the remaining output first.
func (r *Registry) ReapDead() int {
	r.mu.RLock()
	var dead []string
	for id, s := range r.sessions {
		if s.Exited() && !s.Attached() {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	reaped := 0
	for _, id := range dead {
		if r.Close(id) {
			reaped++
		}
	}
	if reaped > 0 {
		log.Printf("[registry] reaped %d dead session(s)", reaped)
	}
	return reaped
}

// CloseAll terminates every session and refuses further creates. Sessions
// already closing elsewhere are waited for, not closed twice.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.shutdown = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, pending := r.close(id); pending != nil {
				<-pending
			}
		}(id)
	}
	wg.Wait()

	if len(ids) > 0 {
		log.Printf("[registry] shut down %d session(s)", len(ids))
	}
}
