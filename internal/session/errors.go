package session

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrStale is returned by operations on a session that is no longer
	// running. Callers treat it as a signal to tear down or ignore.
	ErrStale = errors.New("session is not running")

	// ErrAlreadyAttached is returned when a second reader tries to attach
	// to a session's terminal output.
	ErrAlreadyAttached = errors.New("session output already attached")

	// ErrRegistryClosed is returned by Create after CloseAll.
	ErrRegistryClosed = errors.New("registry is shut down")
)

// SpawnError reports that the OS refused to create the pseudo-terminal or
// the shell process. No session is registered when it is returned.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Shell, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ReadTermination reports that the terminal output reached EOF or failed.
// It means the process has exited and matches io.EOF under errors.Is.
type ReadTermination struct {
	Err error
}

func (e *ReadTermination) Error() string {
	return fmt.Sprintf("terminal output closed: %v", e.Err)
}

func (e *ReadTermination) Unwrap() error { return e.Err }

func (e *ReadTermination) Is(target error) bool { return target == io.EOF }
