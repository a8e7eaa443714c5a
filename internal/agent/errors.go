package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAgentUnavailable means the backend could not be reached or started.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrAgentExecutionFailed means a turn started but ended in failure.
	ErrAgentExecutionFailed = errors.New("agent execution failed")
	// ErrStallTimeout means the agent went silent before producing a response.
	ErrStallTimeout = errors.New("agent stalled")
	// ErrConcurrentNext is returned when two callers wait on one stream.
	ErrConcurrentNext = errors.New("stream already has a pending reader")
)

// UnavailableError wraps the cause of ErrAgentUnavailable.
type UnavailableError struct {
	Backend Backend
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s agent unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrAgentUnavailable }

// ExecutionError wraps the failure of a completed turn.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrAgentExecutionFailed }

// SpawnError is a failure to start the agent process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start agent %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ParseError is a stdout line that was not a JSON object.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable agent output %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ProtocolError is an explicit error record reported by the agent.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// ProcessExitError is a nonzero exit or a signal.
type ProcessExitError struct {
	Code   int
	Signal string
	// Detail is the diagnostic output collected from the process.
	Detail string
}

func (e *ProcessExitError) Error() string {
	var msg string
	if e.Signal != "" {
		msg = fmt.Sprintf("agent terminated by signal %s", e.Signal)
	} else {
		msg = fmt.Sprintf("agent exited with code %d", e.Code)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// StallTimeoutError reports a turn that produced no event within Timeout.
type StallTimeoutError struct {
	Timeout time.Duration
}

func (e *StallTimeoutError) Error() string {
	return fmt.Sprintf("agent stalled: no activity for %s", e.Timeout)
}

func (e *StallTimeoutError) Is(target error) bool { return target == ErrStallTimeout }
