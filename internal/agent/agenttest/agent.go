// Package agenttest provides a scripted agent.Agent for tests of code that
// consumes turn streams.
package agenttest

import (
	"context"
	"sync"
	"time"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// Call records one RunTurnStreamed invocation.
type Call struct {
	Session agent.Session
	Input   string
	Opts    agent.Options
}

// Script drives a stream. It must call s.Finish exactly once.
type Script func(ctx context.Context, call Call, s *agent.Stream)

// Agent is a goroutine-safe scripted agent.
type Agent struct {
	backend agent.Backend
	cache   *continuity.Cache

	mu        sync.Mutex
	script    Script
	startErr  error
	title     *string
	calls     []Call
	forgotten []string
}

var _ agent.Agent = (*Agent)(nil)

// New creates an agent for backend b that completes every turn with no output.
func New(b agent.Backend) *Agent {
	return &Agent{
		backend: b,
		cache:   continuity.New(string(b), 0),
		script:  Events(event.TurnCompleted{}),
	}
}

// Cache returns the agent's continuity cache.
func (a *Agent) Cache() *continuity.Cache { return a.cache }

// SetScript replaces the script used for later turns.
func (a *Agent) SetScript(s Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = s
}

// SetStartError makes RunTurnStreamed fail synchronously with err.
func (a *Agent) SetStartError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startErr = err
}

// SetTitle sets the SuggestTitle result.
func (a *Agent) SetTitle(title *string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.title = title
}

// Calls returns the recorded turns.
func (a *Agent) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Forgotten returns the session ids passed to ForgetSession.
func (a *Agent) Forgotten() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.forgotten...)
}

func (a *Agent) Backend() agent.Backend { return a.backend }

func (a *Agent) RunTurnStreamed(ctx context.Context, sess agent.Session, input string, opts agent.Options) (*agent.Stream, error) {
	a.mu.Lock()
	call := Call{Session: sess, Input: input, Opts: opts}
	a.calls = append(a.calls, call)
	script, err := a.script, a.startErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s := agent.NewStream(cancel)
	go script(turnCtx, call, s)
	return s, nil
}

func (a *Agent) RunTurn(ctx context.Context, sess agent.Session, input string, opts agent.Options) (*agent.ExecutionSummary, error) {
	s, err := a.RunTurnStreamed(ctx, sess, input, opts)
	if err != nil {
		return nil, err
	}
	return agent.RunToCompletion(ctx, s)
}

func (a *Agent) ForgetSession(sessionID string) {
	a.mu.Lock()
	a.forgotten = append(a.forgotten, sessionID)
	a.mu.Unlock()
	a.cache.Forget(sessionID)
}

func (a *Agent) SuggestTitle(context.Context, agent.Session, string) *string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.title
}

// Events emits evts in order and finishes with a summary derived from them.
func Events(evts ...event.Event) Script {
	return func(ctx context.Context, _ Call, s *agent.Stream) {
		for _, e := range evts {
			s.Emit(e)
		}
		s.Finish(Summarize(evts))
	}
}

// Stall emits evts and then goes silent until the stream is closed.
func Stall(evts ...event.Event) Script {
	return func(ctx context.Context, _ Call, s *agent.Stream) {
		for _, e := range evts {
			s.Emit(e)
		}
		<-ctx.Done()
		summary := Summarize(evts)
		summary.Err = context.Canceled
		s.Finish(summary)
	}
}

// Paced emits evts with gap between them, stopping early if the stream closes.
func Paced(gap time.Duration, evts ...event.Event) Script {
	return func(ctx context.Context, _ Call, s *agent.Stream) {
		for i, e := range evts {
			select {
			case <-ctx.Done():
				summary := Summarize(evts[:i])
				summary.Err = context.Canceled
				s.Finish(summary)
				return
			case <-time.After(gap):
			}
			s.Emit(e)
		}
		s.Finish(Summarize(evts))
	}
}

// Summarize builds the summary an adapter would produce for evts.
func Summarize(evts []event.Event) *agent.ExecutionSummary {
	summary := &agent.ExecutionSummary{}
	var order []string
	items := map[string]event.Item{}
	for _, e := range evts {
		if it, ok := event.ItemOf(e); ok {
			if _, seen := items[it.ID]; !seen {
				order = append(order, it.ID)
			}
			items[it.ID] = it
		}
		switch v := e.(type) {
		case event.ThreadStarted:
			summary.ResumeID = v.ThreadID
		case event.TextDelta:
			summary.FinalText += v.Delta
		case event.ResponseCompleted:
			summary.FinalText = v.Text
		case event.TurnCompleted:
			summary.Usage = v.Usage
		case event.TurnFailed:
			summary.Err = &agent.ProtocolError{Message: v.Error.Message}
		case event.Error:
			summary.Err = &agent.ProtocolError{Message: v.Message}
		}
	}
	for _, id := range order {
		summary.Items = append(summary.Items, items[id])
	}
	return summary
}
