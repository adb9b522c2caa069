package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Terminal dimension bounds. Requests outside them are clamped, never
// rejected: a resize racing with teardown must not surface as an error.
const (
	DefaultCols = 80
	DefaultRows = 24
	MaxCols     = 500
	MaxRows     = 200
)

// Session owns one shell process attached to a pseudo-terminal. The process
// handle and the PTY master are never exposed; every access goes through
// the methods below, which turn into ErrStale once the session stops
// running.
type Session struct {
	ID        string
	Shell     string
	CreatedAt time.Time

	cmd         *exec.Cmd
	ptmx        *os.File
	pid         int
	maxCols     int
	maxRows     int
	killTimeout time.Duration

	mu          sync.Mutex
	state       State
	cols        int
	rows        int
	closedAt    time.Time
	exitCode    *int
	attached    bool
	readStopped bool
	terminating bool

	// done is closed once the process has been reaped.
	done chan struct{}
	// released is closed once the PTY has been closed after termination.
	released chan struct{}

	// dec carries partial runes between ReadString calls.
	dec Decoder
}

func clampSize(v, max int) int {
	if v < 1 {
		return 1
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

// shellEnv builds the child environment. TERM and COLORTERM are forced so
// remote clients render colors correctly regardless of the server's own
// environment.
func shellEnv(extra []string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(extra)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "TERM=") || strings.HasPrefix(kv, "COLORTERM=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, extra...)
	return append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
}

// start spawns the shell on a fresh PTY sized cols x rows.
func start(id string, opts Options, cols, rows int) (*Session, error) {
	s := &Session{
		ID:          id,
		Shell:       opts.Shell,
		CreatedAt:   time.Now(),
		maxCols:     opts.MaxCols,
		maxRows:     opts.MaxRows,
		killTimeout: opts.KillTimeout,
		state:       Created,
		cols:        clampSize(cols, opts.MaxCols),
		rows:        clampSize(rows, opts.MaxRows),
		done:        make(chan struct{}),
		released:    make(chan struct{}),
	}

	cmd := exec.Command(opts.Shell)
	cmd.Dir = opts.WorkDir
	cmd.Env = shellEnv(opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(s.cols), Rows: uint16(s.rows)})
	if err != nil {
		s.state = Closed
		return nil, &SpawnError{Shell: opts.Shell, Err: err}
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.pid = cmd.Process.Pid
	s.state = Running

	go s.wait()
	return s, nil
}

// wait reaps the process and records how it ended. A process that exits on
// its own moves the session to Closing; its PTY stays open so the remaining
// output can still be drained.
func (s *Session) wait() {
	err := s.cmd.Wait()
	code := exitCodeOf(err)

	s.mu.Lock()
	s.exitCode = &code
	if s.state == Running {
		s.state = Closing
	}
	s.mu.Unlock()

	close(s.done)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// PID returns the shell's process id.
func (s *Session) PID() int { return s.pid }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAlive reports whether the session is still running.
func (s *Session) IsAlive() bool {
	return s.State() == Running
}

// Exited reports whether the process has been reaped.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the shell's exit status, or -1 while it is still
// running or when it was killed by a signal.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return -1
	}
	return *s.exitCode
}

// Done is closed when the shell process exits, for whatever reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Released is closed once Terminate has released the process and PTY.
func (s *Session) Released() <-chan struct{} { return s.released }

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Info returns a snapshot of the session for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		SessionID: s.ID,
		PID:       s.pid,
		Shell:     s.Shell,
		Cols:      s.cols,
		Rows:      s.rows,
		State:     s.state,
		Status:    StatusClosed,
		CreatedAt: s.CreatedAt,
	}
	if s.state == Running {
		info.Status = StatusActive
	}
	if !s.closedAt.IsZero() {
		t := s.closedAt
		info.ClosedAt = &t
	}
	if s.exitCode != nil {
		c := *s.exitCode
		info.ExitCode = &c
	}
	return info
}

// Write forwards raw bytes to the shell's input.
func (s *Session) Write(p []byte) (int, error) {
	if s.State() != Running {
		return 0, ErrStale
	}
	n, err := s.ptmx.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return n, ErrStale
		}
		return n, fmt.Errorf("write session %s: %w", s.ID, err)
	}
	return n, nil
}

// Resize changes the PTY window size. Dimensions are clamped to
// [1, MaxCols] x [1, MaxRows].
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return ErrStale
	}

	cols = clampSize(cols, s.maxCols)
	rows = clampSize(rows, s.maxRows)
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrStale
		}
		return fmt.Errorf("resize session %s: %w", s.ID, err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Attach claims the session's output for a single reader. At most one
// reader may be attached over the session's lifetime.
func (s *Session) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running || s.readStopped {
		return ErrStale
	}
	if s.attached {
		return ErrAlreadyAttached
	}
	s.attached = true
	return nil
}

// Attached reports whether a reader currently owns the output.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Detach releases the claim taken by Attach.
func (s *Session) Detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// Read blocks until terminal output is available. The PTY master is
// registered with the runtime poller, so a blocked Read parks the goroutine
// rather than a thread. After the process exits, Read keeps returning the
// buffered output and then a *ReadTermination.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	stale := s.readStopped || s.terminating || s.state == Closed
	s.mu.Unlock()
	if stale {
		return 0, ErrStale
	}

	n, err := s.ptmx.Read(p)
	if err == nil {
		return n, nil
	}

	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.mu.Lock()
		stopped := s.readStopped
		s.mu.Unlock()
		if stopped {
			return n, ErrStale
		}
		return n, err
	case errors.Is(err, os.ErrClosed):
		return n, ErrStale
	default:
		return n, &ReadTermination{Err: err}
	}
}

// ReadString returns whatever output becomes available within wait, up to
// max bytes, decoded as UTF-8 with invalid sequences replaced. An empty
// string with a nil error means nothing arrived in time. Not safe for
// concurrent callers. It fails with ErrAlreadyAttached while a bridge owns
// the output.
func (s *Session) ReadString(max int, wait time.Duration) (string, error) {
	if max <= 0 {
		max = 1024
	}
	s.mu.Lock()
	state, attached := s.state, s.attached
	s.mu.Unlock()
	if state == Closed {
		return "", ErrStale
	}
	if attached {
		return "", ErrAlreadyAttached
	}
	if err := s.ptmx.SetReadDeadline(time.Now().Add(wait)); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return "", ErrStale
		}
		return "", fmt.Errorf("set read deadline for session %s: %w", s.ID, err)
	}
	defer s.ptmx.SetReadDeadline(time.Time{})

	buf := make([]byte, max)
	n, err := s.Read(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = nil
	}
	return s.dec.Decode(buf[:n]), err
}

// StopReading withdraws the output descriptor from the poller: a pending
// Read wakes up with ErrStale and every later Read fails fast. The
// descriptor itself stays open until Terminate.
func (s *Session) StopReading() {
	s.mu.Lock()
	if s.readStopped {
		s.mu.Unlock()
		return
	}
	s.readStopped = true
	released := s.state == Closed
	s.mu.Unlock()

	if !released {
		_ = s.ptmx.SetReadDeadline(time.Now())
	}
}

// Terminate stops the shell and releases the PTY. The process gets SIGHUP
// (SIGKILL when force is set) and is killed outright if it has not exited
// within the kill timeout. Terminate is idempotent; concurrent callers wait
// for the first one to finish.
func (s *Session) Terminate(force bool) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	if s.terminating {
		s.mu.Unlock()
		<-s.released
		return nil
	}
	s.terminating = true
	s.state = Closing
	s.mu.Unlock()

	sig := unix.SIGHUP
	if force {
		sig = unix.SIGKILL
	}
	// Signal the group even when the shell is gone: background jobs it left
	// behind still hold the PTY slave open.
	s.signal(sig)

	if !s.Exited() {
		select {
		case <-s.done:
		case <-time.After(s.killTimeout):
			log.Printf("[session] %s: pid %d ignored %v, sending SIGKILL", s.ID, s.pid, sig)
			s.signal(unix.SIGKILL)
			select {
			case <-s.done:
			case <-time.After(s.killTimeout):
				log.Printf("[session] %s: pid %d not reaped after SIGKILL", s.ID, s.pid)
			}
		}
	}

	err := s.ptmx.Close()

	s.mu.Lock()
	s.state = Closed
	s.closedAt = time.Now()
	s.mu.Unlock()
	close(s.released)

	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close pty for session %s: %w", s.ID, err)
	}
	return nil
}

// signal delivers sig to the shell's process group. pty.Start runs the
// shell with Setsid, so the group id equals its pid.
func (s *Session) signal(sig unix.Signal) {
	if err := unix.Kill(-s.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = s.cmd.Process.Signal(sig)
	}
}
