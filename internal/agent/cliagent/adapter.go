// Package cliagent runs turns through the cursor-agent command line tool.
//
// The tool is started once per turn. Its stdout carries one JSON record per
// line, which the adapter turns into the normalized event stream; stderr and
// unparseable lines are kept as diagnostics for failure messages.
package cliagent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

const (
	DefaultCLIName         = "cursor-agent"
	DefaultKillGracePeriod = 500 * time.Millisecond
	titleTimeout           = 90 * time.Second
	maxLineSize            = 1024 * 1024
)

// Config configures the adapter.
type Config struct {
	// CLIPath, when set, is used instead of looking up CLIName on PATH.
	CLIPath         string
	CLIName         string
	ExtraArgs       []string
	KillGracePeriod time.Duration

	// Defaults supplies model, effort and env for turns started without
	// options, such as title suggestions.
	Defaults func() agent.Options
}

// Adapter implements agent.Agent over the CLI.
type Adapter struct {
	cfg      Config
	cache    *continuity.Cache
	logger   *logger.Logger
	lookPath func(string) (string, error)
}

var _ agent.Agent = (*Adapter)(nil)

// New creates an adapter. cache holds this backend's resumable handles.
func New(cfg Config, cache *continuity.Cache, log *logger.Logger) *Adapter {
	if cfg.CLIName == "" {
		cfg.CLIName = DefaultCLIName
	}
	if cfg.KillGracePeriod <= 0 {
		cfg.KillGracePeriod = DefaultKillGracePeriod
	}
	if cache == nil {
		cache = continuity.New(string(agent.BackendCLI), 0)
	}
	return &Adapter{
		cfg:      cfg,
		cache:    cache,
		logger:   log.WithFields(zap.String("component", "cli-agent")),
		lookPath: exec.LookPath,
	}
}

func (a *Adapter) Backend() agent.Backend { return agent.BackendCLI }

// Cache returns the continuity cache of this backend.
func (a *Adapter) Cache() *continuity.Cache { return a.cache }

func (a *Adapter) ForgetSession(sessionID string) {
	a.cache.Forget(sessionID)
}

// resolveExecutable returns the explicit override or the PATH match for CLIName.
func (a *Adapter) resolveExecutable() (string, error) {
	if a.cfg.CLIPath != "" {
		path, err := a.lookPath(a.cfg.CLIPath)
		if err != nil {
			return "", fmt.Errorf("agent executable %q: %w", a.cfg.CLIPath, err)
		}
		return path, nil
	}
	path, err := a.lookPath(a.cfg.CLIName)
	if err != nil {
		return "", fmt.Errorf("agent executable %q not found on PATH: %w", a.cfg.CLIName, err)
	}
	return path, nil
}

// RunTurnStreamed spawns the CLI for one turn. Only a missing executable is
// reported as an error; everything else arrives on the stream.
func (a *Adapter) RunTurnStreamed(ctx context.Context, sess agent.Session, input string, opts agent.Options) (*agent.Stream, error) {
	path, err := a.resolveExecutable()
	if err != nil {
		return nil, &agent.UnavailableError{Backend: agent.BackendCLI, Err: err}
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = sess.WorkspacePath
	}
	var resumeID string
	if opts.ReuseSession {
		resumeID, _ = a.cache.Get(sess.ID)
	}

	args := buildArgs(invocation{
		ResumeID:        resumeID,
		Model:           opts.Model,
		ReasoningEffort: opts.ReasoningEffort,
		WorkDir:         workDir,
		Prompt:          input,
		ExtraArgs:       a.cfg.ExtraArgs,
	})

	turnCtx, cancel := context.WithCancel(ctx)
	stream := agent.NewStream(cancel)
	t := newTurn(turnConfig{
		path:      path,
		args:      args,
		workDir:   workDir,
		env:       agent.MergeEnv(nil, opts.Env),
		sessionID: sess.ID,
		resumeID:  resumeID,
		persist:   opts.ReuseSession,
		cache:     a.cache,
		grace:     a.cfg.KillGracePeriod,
	}, stream, a.logger.WithSessionID(sess.ID))

	go t.run(turnCtx)
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

// SuggestTitle runs an isolated turn that neither resumes nor stores a session.
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
