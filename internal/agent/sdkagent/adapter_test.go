package sdkagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

func sdkEvt(typ copilot.SessionEventType, set func(*copilot.SessionEvent)) copilot.SessionEvent {
	var evt copilot.SessionEvent
	evt.Type = typ
	if set != nil {
		set(&evt)
	}
	return evt
}

func deltaEvt(text string) copilot.SessionEvent {
	return sdkEvt(copilot.AssistantMessageDelta, func(e *copilot.SessionEvent) { e.Data.DeltaContent = &text })
}

func errorEvt(msg string) copilot.SessionEvent {
	return sdkEvt(copilot.SessionError, func(e *copilot.SessionEvent) { e.Data.Message = &msg })
}

// fakeConn replays a script once the prompt is sent.
type fakeConn struct {
	id      string
	script  []copilot.SessionEvent
	sendErr error

	mu       sync.Mutex
	handler  func(copilot.SessionEvent)
	prompt   string
	aborted  bool
	closed   bool
	unsubbed bool
}

func (f *fakeConn) SessionID() string { return f.id }

func (f *fakeConn) On(h func(copilot.SessionEvent)) func() {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubbed = true
		f.mu.Unlock()
	}
}

func (f *fakeConn) Send(prompt string) error {
	f.mu.Lock()
	f.prompt = prompt
	h := f.handler
	f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	go func() {
		for _, evt := range f.script {
			h(evt)
		}
	}()
	return nil
}

func (f *fakeConn) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) state() (aborted, closed, unsubbed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted, f.closed, f.unsubbed
}

type dialRecorder struct {
	mu   sync.Mutex
	reqs []dialRequest
	conn *fakeConn
	err  error
}

func (d *dialRecorder) dial(_ context.Context, req dialRequest) (conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func newTestAdapter(d *dialRecorder) *Adapter {
	a := New(Config{CLIUrl: "localhost:1"}, continuity.New(string(agent.BackendSDK), 16), logger.NewNop())
	a.dialer = d.dial
	return a
}

var sess = agent.Session{ID: "chat-1", WorkspacePath: "/work/chat-1"}

func TestRunTurnStreamed_CompletesAndPersistsSession(t *testing.T) {
	fc := &fakeConn{id: "cp-1", script: []copilot.SessionEvent{
		deltaEvt("Hi "),
		deltaEvt("there"),
		sdkEvt(copilot.SessionIdle, nil),
	}}
	d := &dialRecorder{conn: fc}
	a := newTestAdapter(d)

	stream, err := a.RunTurnStreamed(context.Background(), sess, "say hi", agent.Options{ReuseSession: true, Model: "gpt-5"})
	require.NoError(t, err)
	events, summary, err := agent.Collect(context.Background(), stream)
	require.NoError(t, err)

	assert.Equal(t, []event.Kind{
		event.KindThreadStarted,
		event.KindItemStarted, event.KindTextDelta,
		event.KindItemUpdated, event.KindTextDelta,
		event.KindItemCompleted, event.KindResponseCompleted, event.KindTurnCompleted,
	}, kinds(events))
	require.NoError(t, summary.Err)
	assert.Equal(t, "Hi there", summary.FinalText)
	assert.Equal(t, "cp-1", summary.ResumeID)

	handle, ok := a.Cache().Get("chat-1")
	assert.True(t, ok)
	assert.Equal(t, "cp-1", handle)

	require.Len(t, d.reqs, 1)
	assert.Equal(t, "/work/chat-1", d.reqs[0].WorkDir)
	assert.Equal(t, "gpt-5", d.reqs[0].Model)
	assert.Empty(t, d.reqs[0].ResumeID)

	assert.Eventually(t, func() bool {
		_, closed, unsubbed := fc.state()
		return closed && unsubbed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "say hi", fc.prompt)
}

func TestRunTurnStreamed_ResumesCachedSession(t *testing.T) {
	fc := &fakeConn{id: "cp-old", script: []copilot.SessionEvent{sdkEvt(copilot.SessionIdle, nil)}}
	d := &dialRecorder{conn: fc}
	a := newTestAdapter(d)
	a.Cache().Set("chat-1", "cp-old")

	_, err := a.RunTurn(context.Background(), sess, "again", agent.Options{ReuseSession: true, Model: "gpt-5"})
	require.NoError(t, err)
	require.Len(t, d.reqs, 1)
	assert.Equal(t, "cp-old", d.reqs[0].ResumeID)
	// Kept for the create fallback when the resume fails.
	assert.Equal(t, "gpt-5", d.reqs[0].Model)
}

func TestRunTurnStreamed_NoReuseLeavesCacheAlone(t *testing.T) {
	fc := &fakeConn{id: "cp-2", script: []copilot.SessionEvent{sdkEvt(copilot.SessionIdle, nil)}}
	d := &dialRecorder{conn: fc}
	a := newTestAdapter(d)
	a.Cache().Set("chat-1", "cp-old")

	_, err := a.RunTurn(context.Background(), sess, "x", agent.Options{})
	require.NoError(t, err)
	assert.Empty(t, d.reqs[0].ResumeID)
	handle, _ := a.Cache().Get("chat-1")
	assert.Equal(t, "cp-old", handle)
}

func TestRunTurnStreamed_EnvPassedToDial(t *testing.T) {
	fc := &fakeConn{id: "cp-3", script: []copilot.SessionEvent{sdkEvt(copilot.SessionIdle, nil)}}
	d := &dialRecorder{conn: fc}
	a := newTestAdapter(d)

	_, err := a.RunTurn(context.Background(), sess, "x", agent.Options{Env: map[string]string{"GH_TOKEN": "t"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"GH_TOKEN": "t"}, d.reqs[0].Env)
}

func TestRunTurnStreamed_SessionErrorFailsOnce(t *testing.T) {
	fc := &fakeConn{id: "cp-4", script: []copilot.SessionEvent{
		deltaEvt("partial"),
		errorEvt("quota exceeded"),
		errorEvt("second"),
		sdkEvt(copilot.SessionIdle, nil),
	}}
	a := newTestAdapter(&dialRecorder{conn: fc})

	stream, err := a.RunTurnStreamed(context.Background(), sess, "x", agent.Options{})
	require.NoError(t, err)
	events, summary, err := agent.Collect(context.Background(), stream)
	require.NoError(t, err)

	var failures []string
	for _, e := range events {
		if f, ok := e.(event.TurnFailed); ok {
			failures = append(failures, f.Error.Message)
		}
	}
	assert.Equal(t, []string{"quota exceeded"}, failures)
	var perr *agent.ProtocolError
	require.ErrorAs(t, summary.Err, &perr)
	assert.Equal(t, "partial", summary.FinalText)
}

func TestRunTurn_SendFailure(t *testing.T) {
	fc := &fakeConn{id: "cp-5", sendErr: errors.New("broken pipe")}
	a := newTestAdapter(&dialRecorder{conn: fc})

	summary, err := a.RunTurn(context.Background(), sess, "x", agent.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAgentExecutionFailed)
	require.NotNil(t, summary)
	assert.Contains(t, summary.Err.Error(), "broken pipe")
}

func TestRunTurnStreamed_DialFailureIsUnavailable(t *testing.T) {
	a := newTestAdapter(&dialRecorder{err: errors.New("connection refused")})

	_, err := a.RunTurnStreamed(context.Background(), sess, "x", agent.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)

	_, err = a.RunTurn(context.Background(), sess, "x", agent.Options{})
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)
}

func TestStreamClose_AbortsSession(t *testing.T) {
	// No idle event: the turn only ends through Close.
	fc := &fakeConn{id: "cp-6", script: []copilot.SessionEvent{deltaEvt("working")}}
	a := newTestAdapter(&dialRecorder{conn: fc})

	stream, err := a.RunTurnStreamed(context.Background(), sess, "x", agent.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.NoError(t, err)

	stream.Close()
	summary, err := stream.Summary(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, summary.Err, context.Canceled)

	aborted, closed, _ := fc.state()
	assert.True(t, aborted)
	assert.True(t, closed)
}

func TestForgetSession(t *testing.T) {
	a := newTestAdapter(&dialRecorder{})
	a.Cache().Set("chat-1", "cp")
	a.ForgetSession("chat-1")
	a.ForgetSession("missing")
	assert.Equal(t, 0, a.Cache().Len())
}

func TestSuggestTitle(t *testing.T) {
	fc := &fakeConn{id: "cp-7", script: []copilot.SessionEvent{
		deltaEvt(`{"title": "Fix the login bug"}`),
		sdkEvt(copilot.SessionIdle, nil),
	}}
	d := &dialRecorder{conn: fc}
	a := newTestAdapter(d)
	a.cfg.Defaults = func() agent.Options { return agent.Options{Model: "m", ReuseSession: true} }

	title := a.SuggestTitle(context.Background(), sess, `[{"role":"user","content":"login broken"}]`)
	require.NotNil(t, title)
	assert.Equal(t, "Fix the login bug", *title)
	assert.Empty(t, d.reqs[0].ResumeID)
	assert.Equal(t, 0, a.Cache().Len(), "title turns never persist sessions")

	failing := newTestAdapter(&dialRecorder{err: errors.New("down")})
	assert.Nil(t, failing.SuggestTitle(context.Background(), sess, "[]"))
}
