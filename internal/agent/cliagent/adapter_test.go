package cliagent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return New(Config{CLIPath: exe, KillGracePeriod: 200 * time.Millisecond}, continuity.New("cli", 16), logger.NewNop())
}

func scenario(t *testing.T, name string) agent.Options {
	t.Helper()
	return agent.Options{Env: map[string]string{fakeScenarioEnv: name}, WorkDir: t.TempDir()}
}

func runScenario(t *testing.T, a *Adapter, sess agent.Session, opts agent.Options) ([]event.Event, *agent.ExecutionSummary) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	stream, err := a.RunTurnStreamed(ctx, sess, "do the thing", opts)
	require.NoError(t, err)
	events, summary, err := agent.Collect(ctx, stream)
	require.NoError(t, err)
	return events, summary
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind()
	}
	return out
}

func countKind(events []event.Event, k event.Kind) int {
	n := 0
	for _, e := range events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func TestRunTurnStreamed_SnapshotsBecomeDeltas(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "hello"))

	require.Equal(t, []event.Kind{
		event.KindItemStarted, event.KindTextDelta,
		event.KindItemUpdated, event.KindTextDelta,
		event.KindItemCompleted, event.KindResponseCompleted, event.KindTurnCompleted,
	}, kinds(events))

	started := events[0].(event.ItemStarted)
	assert.Equal(t, "Hi", started.Item.Text)
	assert.Equal(t, event.ItemAgentMessage, started.Item.Type)
	assert.Equal(t, event.TextDelta{Delta: "Hi"}, events[1])
	updated := events[2].(event.ItemUpdated)
	assert.Equal(t, "Hi there", updated.Item.Text)
	assert.Equal(t, started.Item.ID, updated.Item.ID)
	assert.Equal(t, event.TextDelta{Delta: " there"}, events[3])
	completed := events[4].(event.ItemCompleted)
	assert.Equal(t, event.StatusCompleted, completed.Item.Status)
	assert.Equal(t, event.ResponseCompleted{Text: "Hi there"}, events[5])

	require.NotNil(t, summary)
	assert.NoError(t, summary.Err)
	assert.Equal(t, "Hi there", summary.FinalText)
	require.Len(t, summary.Items, 1)
	assert.Empty(t, summary.ResumeID)
}

func TestRunTurnStreamed_UnchangedSnapshotProducesNoDelta(t *testing.T) {
	a := newTestAdapter(t)
	events, _ := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "repeat"))

	assert.Equal(t, 1, countKind(events, event.KindTextDelta))
	assert.Equal(t, 0, countKind(events, event.KindItemUpdated))
}

func TestRunTurnStreamed_ThreadStartedOncePerSessionID(t *testing.T) {
	a := newTestAdapter(t)
	opts := scenario(t, "sessions")
	opts.ReuseSession = true
	events, summary := runScenario(t, a, agent.Session{ID: "conv"}, opts)

	var ids []string
	for _, e := range events {
		if ts, ok := e.(event.ThreadStarted); ok {
			ids = append(ids, ts.ThreadID)
		}
	}
	assert.Equal(t, []string{"s-1", "s-2"}, ids)
	assert.Equal(t, "s-1", summary.ResumeID)
	assert.Equal(t, "AB", summary.FinalText)

	handle, ok := a.Cache().Get("conv")
	require.True(t, ok)
	assert.Equal(t, "s-1", handle)

	a.ForgetSession("conv")
	_, ok = a.Cache().Get("conv")
	assert.False(t, ok)
}

func TestRunTurnStreamed_WithoutReuseLeavesCacheAlone(t *testing.T) {
	a := newTestAdapter(t)
	events, _ := runScenario(t, a, agent.Session{ID: "conv"}, scenario(t, "sessions"))

	assert.Equal(t, 2, countKind(events, event.KindThreadStarted))
	assert.Equal(t, 0, a.Cache().Len())
}

func TestRunTurnStreamed_ResumesCachedSession(t *testing.T) {
	a := newTestAdapter(t)
	a.Cache().Set("conv", "prev-handle")

	record := filepath.Join(t.TempDir(), "invocation.json")
	opts := scenario(t, "hello")
	opts.Env[fakeRecordEnv] = record
	opts.ReuseSession = true
	opts.Model = "gpt-5"
	opts.ReasoningEffort = "high"
	runScenario(t, a, agent.Session{ID: "conv"}, opts)

	data, err := os.ReadFile(record)
	require.NoError(t, err)
	var inv fakeInvocation
	require.NoError(t, json.Unmarshal(data, &inv))

	assert.Equal(t, []string{
		"--print", "--output-format", "stream-json",
		"--session-id", "prev-handle",
		"--model", "gpt-5",
		"--reasoning-effort", "high",
		"--force",
		"--cwd", opts.WorkDir,
		"do the thing",
	}, inv.Args)

	wantDir, _ := filepath.EvalSymlinks(opts.WorkDir)
	gotDir, _ := filepath.EvalSymlinks(inv.Dir)
	assert.Equal(t, wantDir, gotDir)
}

func TestRunTurnStreamed_EnvGoesOnlyToChild(t *testing.T) {
	a := newTestAdapter(t)
	opts := scenario(t, "env")
	opts.Env["WEBEDT_FAKE_SECRET"] = "s3cret"
	_, summary := runScenario(t, a, agent.Session{ID: "s"}, opts)

	assert.Equal(t, "s3cret", summary.FinalText)
	assert.Empty(t, os.Getenv("WEBEDT_FAKE_SECRET"))
	assert.Empty(t, os.Getenv(fakeScenarioEnv))
}

func TestRunTurnStreamed_NormalizesUsage(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "usage"))

	want := &event.Usage{InputTokens: 12, OutputTokens: 5}
	assert.Equal(t, want, summary.Usage)
	assert.Equal(t, event.TurnCompleted{Usage: want}, events[len(events)-1])
	assert.Equal(t, "Done", summary.FinalText)
}

func TestRunTurnStreamed_NonzeroExit(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "exit3"))

	require.Equal(t, []event.Kind{event.KindTurnFailed}, kinds(events))
	assert.Equal(t, "agent exited with code 3", events[0].(event.TurnFailed).Error.Message)
	require.Error(t, summary.Err)
	assert.Contains(t, summary.Err.Error(), "3")

	var exitErr *agent.ProcessExitError
	require.True(t, errors.As(summary.Err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
}

func TestRunTurnStreamed_NonzeroExitUsesStderr(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "exit3-stderr"))

	require.Equal(t, []event.Kind{event.KindTurnFailed}, kinds(events))
	assert.Equal(t, "boom happened", events[0].(event.TurnFailed).Error.Message)
	assert.Contains(t, summary.Err.Error(), "code 3")
	assert.Contains(t, summary.Err.Error(), "boom happened")
}

func TestRunTurnStreamed_ErrorRecordFailsOnce(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "error-record"))

	assert.Equal(t, []event.Kind{event.KindItemStarted, event.KindTextDelta, event.KindTurnFailed}, kinds(events))
	assert.Equal(t, "rate limited", events[2].(event.TurnFailed).Error.Message)
	assert.Equal(t, "partial", summary.FinalText)

	var pe *agent.ProtocolError
	require.True(t, errors.As(summary.Err, &pe))
}

func TestRunTurnStreamed_GarbageBecomesDiagnostics(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "garbage"))

	require.Equal(t, []event.Kind{event.KindTurnFailed}, kinds(events))
	msg := events[0].(event.TurnFailed).Error.Message
	assert.Contains(t, msg, "not json at all")
	assert.Contains(t, msg, "[1,2]")
	assert.Error(t, summary.Err)
}

func TestRunTurnStreamed_SkipsOversizedLine(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "oversized"))

	assert.Equal(t, 0, countKind(events, event.KindTurnFailed))
	assert.Equal(t, event.ResponseCompleted{Text: "first and final answer"}, events[len(events)-2])
	assert.NoError(t, summary.Err)
	assert.Equal(t, "first and final answer", summary.FinalText)
}

func TestReadStdout_OversizedLineIsDiagnosedAndSkipped(t *testing.T) {
	tr := newTurn(turnConfig{}, agent.NewStream(func() {}), logger.NewNop())
	input := `{"type":"message","role":"assistant","text":"a"}` + "\n" +
		strings.Repeat("y", 3*maxLineSize) + "\n" +
		`{"type":"message","role":"assistant","text":"ab"}`

	require.NoError(t, tr.readStdout(strings.NewReader(input)))
	assert.Equal(t, "ab", tr.acc.text())
	assert.Contains(t, tr.diag.String(), "unparseable agent output")
	assert.Contains(t, tr.diag.String(), errLineTooLong.Error())
	assert.Less(t, len(tr.diag.String()), 1024)
}

func TestRunTurnStreamed_ToolCallItems(t *testing.T) {
	a := newTestAdapter(t)
	events, summary := runScenario(t, a, agent.Session{ID: "s"}, scenario(t, "tools"))

	require.Equal(t, []event.Kind{
		event.KindItemStarted, event.KindItemCompleted,
		event.KindItemStarted, event.KindTextDelta,
		event.KindItemCompleted, event.KindResponseCompleted, event.KindTurnCompleted,
	}, kinds(events))

	tool := events[0].(event.ItemStarted).Item
	assert.Equal(t, "c1", tool.ID)
	assert.Equal(t, event.ItemToolCall, tool.Type)
	assert.Equal(t, "read", tool.Name)

	require.Len(t, summary.Items, 2)
	assert.Equal(t, event.StatusCompleted, summary.Items[0].Status)
	assert.Equal(t, "Read it", summary.Items[1].Text)
}

func TestRunTurnStreamed_CloseKillsProcess(t *testing.T) {
	a := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	stream, err := a.RunTurnStreamed(ctx, agent.Session{ID: "s"}, "work", scenario(t, "sleep"))
	require.NoError(t, err)

	for {
		e, err := stream.Next(ctx)
		require.NoError(t, err)
		if e.Kind() == event.KindTextDelta {
			break
		}
	}

	start := time.Now()
	stream.Close()
	summary, err := stream.Summary(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, summary.Err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "Working", summary.FinalText)

	_, err = stream.Next(ctx)
	assert.Error(t, err)
}

func TestRunTurnStreamed_MissingExecutable(t *testing.T) {
	a := New(Config{CLIPath: filepath.Join(t.TempDir(), "no-such-agent")}, nil, logger.NewNop())
	_, err := a.RunTurnStreamed(context.Background(), agent.Session{ID: "s"}, "hi", agent.Options{})
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)
}

func TestRunTurn_FailureIsExecutionError(t *testing.T) {
	a := newTestAdapter(t)
	summary, err := a.RunTurn(context.Background(), agent.Session{ID: "s"}, "hi", scenario(t, "exit3"))
	assert.ErrorIs(t, err, agent.ErrAgentExecutionFailed)
	require.NotNil(t, summary)

	summary, err = a.RunTurn(context.Background(), agent.Session{ID: "s"}, "hi", scenario(t, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "Hi there", summary.FinalText)
}

func TestSuggestTitle(t *testing.T) {
	a := newTestAdapter(t)
	dir := t.TempDir()

	a.cfg.Defaults = func() agent.Options {
		return agent.Options{Env: map[string]string{fakeScenarioEnv: "title"}, WorkDir: dir, ReuseSession: true}
	}
	title := a.SuggestTitle(context.Background(), agent.Session{ID: "conv", WorkspacePath: dir}, `[{"role":"user","text":"login is broken"}]`)
	require.NotNil(t, title)
	assert.Equal(t, "Fix the login bug", *title)

	a.cfg.Defaults = func() agent.Options {
		return agent.Options{Env: map[string]string{fakeScenarioEnv: "sessions"}, WorkDir: dir}
	}
	a.SuggestTitle(context.Background(), agent.Session{ID: "conv", WorkspacePath: dir}, `[]`)
	assert.Equal(t, 0, a.Cache().Len())

	a.cfg.Defaults = func() agent.Options {
		return agent.Options{Env: map[string]string{fakeScenarioEnv: "exit3"}, WorkDir: dir}
	}
	assert.Nil(t, a.SuggestTitle(context.Background(), agent.Session{ID: "conv", WorkspacePath: dir}, `[]`))
}
