package executor

import (
	"errors"
	"fmt"
)

// ErrMissingTerminal reports an invocation whose output ended without a
// result document.
var ErrMissingTerminal = errors.New("cli output ended without a result document")

// ProcessError reports a failed subprocess invocation: spawn failure,
// non-zero exit, or timeout. Fatal for the current request.
type ProcessError struct {
	Stage    string // "spawn", "run"
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *ProcessError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("cli %s timed out: %v", e.Stage, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("cli %s failed (exit %d): %s", e.Stage, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("cli %s failed: %v", e.Stage, e.Err)
	}
}

func (e *ProcessError) Unwrap() error { return e.Err }
