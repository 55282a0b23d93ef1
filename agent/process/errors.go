package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotStarted is returned when waiting on a session that was never started.
	ErrNotStarted = errors.New("session not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrSinkClosed is returned by sinks once the client is gone.
	ErrSinkClosed = errors.New("event sink closed")
)

// SpawnError means the child process could not be created.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", strings.Join(e.Command, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError means a prompt header carried a malformed length field.
type ProtocolError struct {
	Field []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed prompt length %q: %s", e.Field, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
