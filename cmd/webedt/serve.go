package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/api"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/orchestrator"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/store"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/httpmw"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/tracing"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/events/bus"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	// 1. Load configuration and logger
	cfg, log, err := loadConfig("")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("Starting webedt...", zap.String("backend", cfg.Agent.Backend), zap.Bool("tracing", tracing.Enabled()))
	live := newLiveConfig(cfg)
	instance := instanceID()

	// 2. Initialize event bus (NATS if configured, in-memory otherwise)
	eventBus, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	// 3. Open the chat store
	chatStore, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer func() { _ = chatStore.Close() }()
	log.Info("Chat store ready", zap.String("driver", cfg.Database.Driver))

	// 4. Agents and registry
	reg, err := provideAgents(live, eventBus, instance, log)
	if err != nil {
		return fmt.Errorf("initialize agents: %w", err)
	}
	if err := reg.Start(); err != nil {
		return err
	}
	defer reg.Stop()

	// 5. Turn orchestrator
	orch := orchestrator.New(chatStore, reg, turnConfig(cfg), log,
		orchestrator.WithEventBus(eventBus, instance),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(prometheus.DefaultRegisterer)),
	)

	// 6. Reload settings when the config file changes
	watching, err := config.Watch(configDir, func(next *config.Config) {
		live.Store(next)
		reg.ApplyConfig(next.Agent)
		orch.SetConfig(turnConfig(next))
		log.Info("Configuration reloaded")
	}, func(err error) {
		log.Warn("Ignoring invalid configuration change", zap.Error(err))
	})
	if err != nil {
		log.Warn("Config watch disabled", zap.Error(err))
	} else if watching {
		log.Info("Watching configuration file for changes")
	}

	// 7. HTTP server
	router := newRouter(cfg, log)
	handler := api.NewHandler(chatStore, orch, reg, cfg.Agent.WorkspaceRoot, log)
	api.SetupRoutes(router.Group("/api/v1"), handler)
	api.SetupOperationalRoutes(router, prometheus.DefaultGatherer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("Shutting down webedt...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	log.Info("webedt stopped")
	return nil
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("Using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("Connected to NATS event bus")
	return natsBus, nil
}

func newRouter(cfg *config.Config, log *logger.Logger) *gin.Engine {
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "webedt"))
	router.Use(httpmw.OtelTracing("webedt-http"))

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) == 0 || (len(cfg.Server.CORSOrigins) == 1 && cfg.Server.CORSOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	router.Use(cors.New(corsConfig))
	return router
}
