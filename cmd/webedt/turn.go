package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/orchestrator"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/store"
)

type turnFlags struct {
	workspace       string
	backend         string
	model           string
	reasoningEffort string
}

func newTurnCmd() *cobra.Command {
	var f turnFlags
	cmd := &cobra.Command{
		Use:   "turn [flags] <message>",
		Short: "Run one agent turn and print its frames as NDJSON",
		Long: "turn runs a single agent turn in a workspace and writes every frame to stdout, " +
			"exactly as the HTTP endpoint would stream it. Logs go to stderr.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd.Context(), f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&f.workspace, "workspace", "w", ".", "workspace directory the agent works in")
	cmd.Flags().StringVar(&f.backend, "backend", "", "agent backend (cli or sdk), defaults to agent.backend")
	cmd.Flags().StringVar(&f.model, "model", "", "model override")
	cmd.Flags().StringVar(&f.reasoningEffort, "reasoning-effort", "", "reasoning effort override")
	return cmd
}

func runTurn(ctx context.Context, f turnFlags, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig("stderr")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	workspace, err := filepath.Abs(f.workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", workspace)
	}

	reg, err := provideAgents(newLiveConfig(cfg), nil, instanceID(), log)
	if err != nil {
		return fmt.Errorf("initialize agents: %w", err)
	}
	settings := reg.Settings()
	if f.backend != "" {
		settings.Backend = agent.Backend(f.backend)
	}
	if f.model != "" {
		settings.Model = f.model
	}
	if f.reasoningEffort != "" {
		settings.ReasoningEffort = f.reasoningEffort
	}
	if _, err := reg.Update(ctx, settings); err != nil {
		return err
	}

	chatStore := store.NewMemoryStore()
	sess := &models.Session{Title: "cli turn", WorkspacePath: workspace}
	if err := chatStore.CreateSession(ctx, sess); err != nil {
		return err
	}

	orch := orchestrator.New(chatStore, reg, turnConfig(cfg), log)
	return orch.StreamTurn(ctx, orchestrator.TurnRequest{SessionID: sess.ID, Text: text}, orchestrator.NewNDJSONSink(os.Stdout))
}
