package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

var configDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webedt",
		Short:         "Coding agent turn service",
		Long:          "webedt streams coding agent turns (cursor-agent CLI or Copilot SDK) to chat clients as NDJSON.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTurnCmd())
	return root
}

// loadConfig reads the configuration and builds the process logger. A
// non-empty logOutput overrides logging.outputPath.
func loadConfig(logOutput string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if logOutput != "" {
		cfg.Logging.OutputPath = logOutput
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "webedt"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
