package session

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestRegistry returns a registry spawning /bin/sh, skipping the test
// when the environment cannot allocate pseudo-terminals.
func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	ptmx.Close()
	tty.Close()

	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.KillTimeout == 0 {
		opts.KillTimeout = 500 * time.Millisecond
	}
	reg := NewRegistry(opts)
	t.Cleanup(reg.CloseAll)
	return reg
}

// readUntil collects output until it contains want or the timeout expires.
func readUntil(t *testing.T, s *Session, want string, timeout time.Duration) string {
	t.Helper()
	var out strings.Builder
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		chunk, err := s.ReadString(4096, 100*time.Millisecond)
		out.WriteString(chunk)
		if strings.Contains(out.String(), want) {
			return out.String()
		}
		if err != nil {
			t.Fatalf("read while waiting for %q: %v (got %q)", want, err, out.String())
		}
	}
	t.Fatalf("timed out waiting for %q, got %q", want, out.String())
	return ""
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not exit", s.ID)
	}
}

func TestCreateReportsDimensions(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	tests := []struct{ cols, rows int }{
		{1, 1},
		{80, 24},
		{132, 43},
		{500, 200},
	}
	for _, tt := range tests {
		s, err := reg.Create(tt.cols, tt.rows)
		require.NoError(t, err)

		cols, rows := s.Size()
		assert.Equal(t, tt.cols, cols)
		assert.Equal(t, tt.rows, rows)
		assert.True(t, s.IsAlive())
		assert.Equal(t, Running, s.State())
		assert.Positive(t, s.PID())

		// The kernel's view must agree with ours.
		ws, err := pty.GetsizeFull(s.ptmx)
		require.NoError(t, err)
		assert.Equal(t, uint16(tt.cols), ws.Cols)
		assert.Equal(t, uint16(tt.rows), ws.Rows)
	}
}

func TestCreateClampsDimensions(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	s, err := reg.Create(0, -5)
	require.NoError(t, err)
	cols, rows := s.Size()
	assert.Equal(t, 1, cols)
	assert.Equal(t, 1, rows)

	s, err = reg.Create(10_000, 10_000)
	require.NoError(t, err)
	cols, rows = s.Size()
	assert.Equal(t, MaxCols, cols)
	assert.Equal(t, MaxRows, rows)
}

func TestCreateHonoursConfiguredLimits(t *testing.T) {
	reg := newTestRegistry(t, Options{MaxCols: 1000, MaxRows: 400})

	s, err := reg.Create(600, 300)
	require.NoError(t, err)
	cols, rows := s.Size()
	assert.Equal(t, 600, cols)
	assert.Equal(t, 300, rows)

	ws, err := pty.GetsizeFull(s.ptmx)
	require.NoError(t, err)
	assert.Equal(t, uint16(600), ws.Cols)
	assert.Equal(t, uint16(300), ws.Rows)
}

func TestWriteEchoesOutput(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	_, err = s.Write([]byte("echo hi\n"))
	require.NoError(t, err)
	readUntil(t, s, "hi", 5*time.Second)

	// $((...)) only appears expanded in the command's output, not its echo.
	_, err = s.Write([]byte("echo sum-$((40+2))\n"))
	require.NoError(t, err)
	readUntil(t, s, "sum-42", 5*time.Second)
}

func TestShellEnvironment(t *testing.T) {
	t.Setenv("TERM", "dumb")
	reg := newTestRegistry(t, Options{Env: []string{"SMART_TERMINAL_TEST=yes"}})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	_, err = s.Write([]byte("echo \"$TERM|$COLORTERM|$SMART_TERMINAL_TEST\"\n"))
	require.NoError(t, err)
	readUntil(t, s, "xterm-256color|truecolor|yes", 5*time.Second)
}

func TestWorkDir(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry(t, Options{WorkDir: dir})
	s, err := reg.Create(200, 24)
	require.NoError(t, err)

	_, err = s.Write([]byte("pwd\n"))
	require.NoError(t, err)
	readUntil(t, s, dir, 5*time.Second)
}

func TestResizeKeepsSessionAlive(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	require.NoError(t, s.Resize(132, 43))
	assert.True(t, s.IsAlive())
	cols, rows := s.Size()
	assert.Equal(t, 132, cols)
	assert.Equal(t, 43, rows)

	_, err = s.Write([]byte("stty size\n"))
	require.NoError(t, err)
	readUntil(t, s, "43 132", 5*time.Second)

	require.NoError(t, s.Resize(0, -3))
	assert.True(t, s.IsAlive())
	cols, rows = s.Size()
	assert.Equal(t, 1, cols)
	assert.Equal(t, 1, rows)
}

func TestOperationsAfterTerminateAreStale(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	require.NoError(t, s.Terminate(false))
	assert.Equal(t, Closed, s.State())
	assert.False(t, s.IsAlive())

	_, err = s.Write([]byte("echo nope\n"))
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, s.Resize(100, 30), ErrStale)
	_, err = s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrStale)
	_, err = s.ReadString(16, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, s.Attach(), ErrStale)

	// Idempotent.
	require.NoError(t, s.Terminate(true))
	select {
	case <-s.Released():
	default:
		t.Fatal("Released not closed after Terminate")
	}
}

func TestNaturalExitDrainsOutput(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	_, err = s.Write([]byte("echo bye-$((1+1)); exit 3\n"))
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, 3, s.ExitCode())
	assert.Equal(t, Closing, s.State())
	assert.False(t, s.IsAlive())
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStale)

	var out strings.Builder
	buf := make([]byte, 1024)
	for {
		n, err := s.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			var term *ReadTermination
			assert.True(t, errors.As(err, &term), "got %v", err)
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Contains(t, out.String(), "bye-2")
}

func TestStopReadingWakesPendingRead(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)
	_, err = s.Write([]byte("echo rea''dy\n"))
	require.NoError(t, err)
	readUntil(t, s, "ready", 5*time.Second)

	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := s.Read(buf); err != nil {
				errc <- err
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	s.StopReading()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStale)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Read not woken by StopReading")
	}
	assert.True(t, s.IsAlive(), "StopReading must not end the process")
}

func TestAttachIsExclusive(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	require.NoError(t, s.Attach())
	assert.True(t, s.Attached())
	assert.ErrorIs(t, s.Attach(), ErrAlreadyAttached)
	s.Detach()
	assert.False(t, s.Attached())
	require.NoError(t, s.Attach())
}

func TestReadStringRefusedWhileAttached(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	require.NoError(t, s.Attach())
	_, err = s.ReadString(64, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	s.Detach()
	_, err = s.Write([]byte("echo fr''ee\n"))
	require.NoError(t, err)
	readUntil(t, s, "free", 5*time.Second)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	reg := newTestRegistry(t, Options{KillTimeout: 200 * time.Millisecond})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	_, err = s.Write([]byte("trap '' HUP; echo rea''dy\n"))
	require.NoError(t, err)
	readUntil(t, s, "ready", 5*time.Second)

	start := time.Now()
	require.NoError(t, s.Terminate(false))
	assert.Equal(t, Closed, s.State())
	assert.True(t, s.Exited())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSpawnFailure(t *testing.T) {
	reg := newTestRegistry(t, Options{Shell: "/nonexistent/shell"})

	s, err := reg.Create(80, 24)
	assert.Nil(t, s)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/shell", spawnErr.Shell)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.List())
}

func TestExternalKillSetsExitCode(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	s, err := reg.Create(80, 24)
	require.NoError(t, err)

	require.NoError(t, unix.Kill(s.PID(), unix.SIGKILL))
	waitDone(t, s)
	assert.Equal(t, -1, s.ExitCode())
	assert.False(t, s.IsAlive())
}
