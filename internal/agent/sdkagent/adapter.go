// Package sdkagent runs turns through the GitHub Copilot SDK.
//
// The SDK already reports structured session events; the adapter maps them
// onto the normalized event stream and keeps the session id in the
// continuity cache so later turns resume the same conversation.
package sdkagent

import (
	"context"
	"errors"
	"sync"
	"time"

	copilot "github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

const (
	DefaultCLIPath        = "copilot"
	DefaultLogLevel       = "error"
	DefaultStartupTimeout = 180 * time.Second
	titleTimeout          = 90 * time.Second
)

// Config configures the adapter.
type Config struct {
	// CLIUrl points at an already running Copilot CLI server. When empty a
	// server is started per turn from CLIPath.
	CLIUrl         string
	CLIPath        string
	LogLevel       string
	StartupTimeout time.Duration

	// Defaults supplies model and env for turns started without options.
	Defaults func() agent.Options
}

func (c Config) serverArgs() []string {
	return []string{"--server", "--log-level", c.LogLevel}
}

// Adapter implements agent.Agent over the Copilot SDK.
type Adapter struct {
	cfg    Config
	cache  *continuity.Cache
	logger *logger.Logger
	dialer dialFunc
}

var _ agent.Agent = (*Adapter)(nil)

// New creates an adapter. cache holds this backend's session ids.
func New(cfg Config, cache *continuity.Cache, log *logger.Logger) *Adapter {
	if cfg.CLIPath == "" {
		cfg.CLIPath = DefaultCLIPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cache == nil {
		cache = continuity.New(string(agent.BackendSDK), 0)
	}
	a := &Adapter{
		cfg:    cfg,
		cache:  cache,
		logger: log.WithFields(zap.String("component", "sdk-agent")),
	}
	a.dialer = a.dial
	return a
}

func (a *Adapter) Backend() agent.Backend { return agent.BackendSDK }

// Cache returns the continuity cache of this backend.
func (a *Adapter) Cache() *continuity.Cache { return a.cache }

func (a *Adapter) ForgetSession(sessionID string) {
	a.cache.Forget(sessionID)
}

// RunTurnStreamed opens an SDK session and sends input. Failing to reach the
// SDK is returned synchronously as agent.ErrAgentUnavailable.
func (a *Adapter) RunTurnStreamed(ctx context.Context, sess agent.Session, input string, opts agent.Options) (*agent.Stream, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = sess.WorkspacePath
	}
	var resumeID string
	if opts.ReuseSession {
		resumeID, _ = a.cache.Get(sess.ID)
	}

	c, err := a.dialer(ctx, dialRequest{
		WorkDir:  workDir,
		Env:      opts.Env,
		Model:    opts.Model,
		ResumeID: resumeID,
	})
	if err != nil {
		return nil, &agent.UnavailableError{Backend: agent.BackendSDK, Err: err}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	stream := agent.NewStream(cancel)
	t := &turn{
		conn:      c,
		stream:    stream,
		tr:        newTranslator(),
		sessionID: sess.ID,
		persist:   opts.ReuseSession,
		cache:     a.cache,
		resolved:  make(chan struct{}),
		logger:    a.logger.WithSessionID(sess.ID),
	}
	go t.run(turnCtx, input)
	return stream, nil
}

// RunTurn runs a turn to completion.
func (a *Adapter) RunTurn(ctx context.Context, sess agent.Session, input string, opts agent.Options) (*agent.ExecutionSummary, error) {
	stream, err := a.RunTurnStreamed(ctx, sess, input, opts)
	if err != nil {
		return nil, err
	}
	return agent.RunToCompletion(ctx, stream)
}

// SuggestTitle runs an isolated turn in a fresh session.
func (a *Adapter) SuggestTitle(ctx context.Context, sess agent.Session, transcriptJSON string) *string {
	var opts agent.Options
	if a.cfg.Defaults != nil {
		opts = a.cfg.Defaults()
	}
	opts.ReuseSession = false

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	summary, err := a.RunTurn(ctx, sess, agent.TitlePrompt(transcriptJSON), opts)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Debug("title suggestion failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return nil
	}
	return agent.ParseTitle(summary.FinalText)
}

// turn bridges SDK callbacks into one stream.
type turn struct {
	conn      conn
	stream    *agent.Stream
	sessionID string
	persist   bool
	cache     *continuity.Cache
	logger    *logger.Logger

	mu       sync.Mutex
	tr       *translator
	resolved chan struct{}
}

func (t *turn) run(ctx context.Context, input string) {
	defer t.conn.Close()

	t.mu.Lock()
	t.emit(t.observe(t.conn.SessionID()))
	t.mu.Unlock()

	unsubscribe := t.conn.On(t.onEvent)
	defer unsubscribe()

	if err := t.conn.Send(input); err != nil {
		t.mu.Lock()
		t.emit(t.tr.fail(err.Error()))
		t.resolve()
		t.mu.Unlock()
	}

	select {
	case <-t.resolved:
	case <-ctx.Done():
		if err := t.conn.Abort(); err != nil {
			t.logger.Debug("abort failed", zap.Error(err))
		}
	}
	t.finish(ctx)
}

func (t *turn) onEvent(evt copilot.SessionEvent) {
	e := fromSDK(evt)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tr.outcome != outcomePending {
		return
	}
	if e.SessionID != "" && e.SessionID != t.tr.sessionID && t.persist {
		t.cache.Set(t.sessionID, e.SessionID)
	}
	t.emit(t.tr.handle(e))
	if t.tr.outcome != outcomePending {
		t.resolve()
	}
}

// observe handles the id the session was opened with.
func (t *turn) observe(id string) []event.Event {
	if !t.tr.observeSession(id) {
		return nil
	}
	if t.persist {
		t.cache.Set(t.sessionID, id)
	}
	return []event.Event{event.ThreadStarted{ThreadID: id}}
}

func (t *turn) emit(events []event.Event) {
	for _, e := range events {
		t.stream.Emit(e)
	}
}

// resolve must be called with mu held.
func (t *turn) resolve() {
	select {
	case <-t.resolved:
	default:
		close(t.resolved)
	}
}

func (t *turn) finish(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := &agent.ExecutionSummary{
		FinalText: t.tr.message.Text,
		Items:     t.tr.items(),
		Usage:     t.tr.usage,
		ResumeID:  t.tr.sessionID,
	}
	switch {
	case t.tr.outcome == outcomeCompleted:
	case t.tr.outcome == outcomeFailed:
		summary.Err = &agent.ProtocolError{Message: t.tr.failure}
	case ctx.Err() != nil:
		summary.Err = context.Canceled
	default:
		t.emit(t.tr.fail("operation aborted"))
		summary.Err = &agent.ProtocolError{Message: t.tr.failure}
	}
	// Late SDK callbacks are dropped from here on.
	if t.tr.outcome == outcomePending {
		t.tr.outcome = outcomeAborted
	}
	t.logger.Debug("sdk turn finished", zap.Bool("failed", summary.Err != nil))
	t.stream.Finish(summary)
}
