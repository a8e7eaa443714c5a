// Package agent defines the capability contract shared by every coding-agent
// backend, the stream type turns are delivered through, and the error taxonomy.
package agent

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// Backend names one of the closed set of agent implementations.
type Backend string

const (
	BackendCLI Backend = "cli"
	BackendSDK Backend = "sdk"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendCLI, BackendSDK}

// ParseBackend validates a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendCLI, BackendSDK:
		return b, nil
	default:
		return "", fmt.Errorf("unknown agent backend %q", s)
	}
}

// Session identifies the conversation a turn belongs to.
type Session struct {
	ID            string
	WorkspacePath string
}

// Options tune a single turn.
type Options struct {
	// Env overrides are applied to the agent process only.
	Env             map[string]string
	WorkDir         string
	Model           string
	ReasoningEffort string

	// ReuseSession resumes the cached backend handle and stores the new one.
	ReuseSession bool
}

// ExecutionSummary is the terminal record of one turn.
type ExecutionSummary struct {
	FinalText string
	Items     []event.Item
	Usage     *event.Usage
	// ResumeID is the backend handle reported during the turn, if any.
	ResumeID string
	Err      error
}

// Agent is implemented by every backend.
type Agent interface {
	Backend() Backend

	// RunTurn runs a turn to completion. It fails with ErrAgentUnavailable or
	// ErrAgentExecutionFailed.
	RunTurn(ctx context.Context, sess Session, input string, opts Options) (*ExecutionSummary, error)

	// RunTurnStreamed starts a turn. Only setup failures are returned here;
	// once the stream exists every failure arrives as an event.
	RunTurnStreamed(ctx context.Context, sess Session, input string, opts Options) (*Stream, error)

	// ForgetSession drops the cached handle for sessionID.
	ForgetSession(sessionID string)

	// SuggestTitle returns a short title for the transcript, or nil.
	SuggestTitle(ctx context.Context, sess Session, transcriptJSON string) *string
}

// RunToCompletion drains stream and returns its summary, mapping a failed
// turn to ErrAgentExecutionFailed.
func RunToCompletion(ctx context.Context, stream *Stream) (*ExecutionSummary, error) {
	defer stream.Close()
	for {
		_, err := stream.Next(ctx)
		if err != nil {
			break
		}
	}
	summary, err := stream.Summary(ctx)
	if err != nil {
		return nil, err
	}
	if summary.Err != nil {
		return summary, &ExecutionError{Err: summary.Err}
	}
	return summary, nil
}

// MergeEnv returns base with overrides applied, overridden keys replaced in place
// and new keys appended in sorted order. A nil base means os.Environ().
func MergeEnv(base []string, overrides map[string]string) []string {
	if base == nil {
		base = os.Environ()
	}
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
