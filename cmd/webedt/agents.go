package main

import (
	"sync/atomic"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/cliagent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/registry"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/sdkagent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/orchestrator"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/events/bus"
)

// liveConfig is the most recently loaded configuration.
type liveConfig struct {
	p atomic.Pointer[config.Config]
}

func newLiveConfig(cfg *config.Config) *liveConfig {
	l := &liveConfig{}
	l.p.Store(cfg)
	return l
}

func (l *liveConfig) Load() *config.Config { return l.p.Load() }

func (l *liveConfig) Store(cfg *config.Config) { l.p.Store(cfg) }

// defaultOptions are used for turns started without explicit options.
func (l *liveConfig) defaultOptions() agent.Options {
	a := l.Load().Agent
	return agent.Options{Env: a.EnvMap(), Model: a.Model, ReasoningEffort: a.ReasoningEffort}
}

func turnConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		NoActivityTimeout:   cfg.Agent.NoActivityTimeoutDuration(),
		PostResponseTimeout: cfg.Agent.PostResponseTimeoutDuration(),
		Instructions:        cfg.Agent.Instructions,
		Env:                 cfg.Agent.EnvMap(),
	}
}

// provideAgents builds both backends with their continuity caches and the
// registry that selects between them.
func provideAgents(live *liveConfig, eventBus bus.EventBus, instance string, log *logger.Logger) (*registry.Registry, error) {
	cfg := live.Load()

	cliCache := continuity.New(string(agent.BackendCLI), cfg.Agent.SessionCacheSize)
	cli := cliagent.New(cliagent.Config{
		CLIPath:         cfg.Agent.CLIPath,
		CLIName:         cfg.Agent.CLIName,
		KillGracePeriod: cfg.Agent.KillGracePeriodDuration(),
		Defaults:        live.defaultOptions,
	}, cliCache, log)

	sdkCache := continuity.New(string(agent.BackendSDK), cfg.Agent.SessionCacheSize)
	sdk := sdkagent.New(sdkagent.Config{
		CLIUrl:   cfg.Agent.SDK.CLIUrl,
		LogLevel: cfg.Agent.SDK.LogLevel,
		Defaults: live.defaultOptions,
	}, sdkCache, log)

	initial, err := registry.SettingsFromConfig(cfg.Agent)
	if err != nil {
		return nil, err
	}
	return registry.New(initial, []registry.Entry{
		{Agent: cli, Cache: cliCache},
		{Agent: sdk, Cache: sdkCache},
	}, eventBus, instance, log)
}
