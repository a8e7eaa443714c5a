package sdkagent

import (
	"context"
	"errors"
	"fmt"

	copilot "github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

// dialRequest describes the session a turn needs.
type dialRequest struct {
	WorkDir  string
	Env      map[string]string
	Model    string
	ResumeID string
}

// conn is one live SDK session.
type conn interface {
	SessionID() string
	On(handler func(copilot.SessionEvent)) (unsubscribe func())
	Send(prompt string) error
	Abort() error
	Close()
}

type dialFunc func(ctx context.Context, req dialRequest) (conn, error)

// sdkConn owns a client, its session and, when the adapter is not pointed at a
// shared CLI, the private server process.
type sdkConn struct {
	client  *copilot.Client
	session *copilot.Session
	server  *server
	logger  *logger.Logger
}

func (c *sdkConn) SessionID() string { return c.session.SessionID }

func (c *sdkConn) On(handler func(copilot.SessionEvent)) func() {
	return c.session.On(handler)
}

func (c *sdkConn) Send(prompt string) error {
	if _, err := c.session.Send(copilot.MessageOptions{Prompt: prompt}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *sdkConn) Abort() error { return c.session.Abort() }

func (c *sdkConn) Close() {
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			c.logger.Warn("error destroying session", zap.Error(err))
		}
	}
	for _, err := range c.client.Stop() {
		c.logger.Warn("error stopping SDK client", zap.Error(err))
	}
	if c.server != nil {
		c.server.Close()
	}
}

// approveAll grants every tool permission request; the agent runs inside the
// session workspace.
func approveAll(copilot.PermissionRequest, copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
	return copilot.PermissionRequestResult{Kind: "approved"}, nil
}

// dial connects to the configured CLI, or starts a private one carrying the
// turn's environment, and opens or resumes a session.
func (a *Adapter) dial(ctx context.Context, req dialRequest) (conn, error) {
	addr := a.cfg.CLIUrl
	var srv *server
	if addr == "" {
		var err error
		srv, err = startServer(ctx, serverConfig{
			Path:    a.cfg.CLIPath,
			Args:    a.cfg.serverArgs(),
			Dir:     req.WorkDir,
			Env:     agent.MergeEnv(nil, req.Env),
			Timeout: a.cfg.StartupTimeout,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		addr = srv.Addr()
	} else if len(req.Env) > 0 {
		a.logger.Warn("environment overrides are not applied to a shared copilot server",
			zap.String("cli_url", addr), zap.Int("overrides", len(req.Env)))
	}

	client := copilot.NewClient(&copilot.ClientOptions{
		CLIUrl:   addr,
		LogLevel: a.cfg.LogLevel,
	})
	c := &sdkConn{client: client, server: srv, logger: a.logger}

	var err error
	if req.ResumeID != "" {
		// ResumeSessionConfig has no model; a resumed session keeps the model it
		// was created with. Handles are dropped on every model change, so that
		// is the current one.
		c.session, err = client.ResumeSessionWithOptions(req.ResumeID, &copilot.ResumeSessionConfig{
			Streaming:           true,
			OnPermissionRequest: approveAll,
		})
		if err == nil {
			return c, nil
		}
		a.logger.Warn("failed to resume session, starting a new one",
			zap.String("resume_id", req.ResumeID), zap.Error(err))
	}

	c.session, err = client.CreateSession(&copilot.SessionConfig{
		Model:               req.Model,
		Streaming:           true,
		OnPermissionRequest: approveAll,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if c.session == nil {
		c.Close()
		return nil, errors.New("copilot returned no session")
	}
	return c, nil
}
