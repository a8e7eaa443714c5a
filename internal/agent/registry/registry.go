// Package registry selects the active agent backend from runtime settings.
//
// The set of backends is closed (agent.Backends). Changing the backend or the
// model invalidates every continuity cache, because resumable handles are only
// meaningful to the backend and model that produced them.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/events"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/events/bus"
)

// Settings are the user-adjustable agent settings.
type Settings struct {
	Backend         agent.Backend `json:"backend"`
	Model           string        `json:"model"`
	ReasoningEffort string        `json:"reasoningEffort"`
}

// SettingsFromConfig reads the agent section of the config.
func SettingsFromConfig(cfg config.AgentConfig) (Settings, error) {
	b, err := agent.ParseBackend(cfg.Backend)
	if err != nil {
		return Settings{}, err
	}
	return Settings{Backend: b, Model: cfg.Model, ReasoningEffort: cfg.ReasoningEffort}, nil
}

func (s Settings) normalize() (Settings, error) {
	b, err := agent.ParseBackend(string(s.Backend))
	if err != nil {
		return Settings{}, err
	}
	s.Backend = b
	s.Model = strings.TrimSpace(s.Model)
	s.ReasoningEffort = strings.TrimSpace(s.ReasoningEffort)
	return s, nil
}

// invalidates reports whether moving from s to next makes cached handles stale.
func (s Settings) invalidates(next Settings) bool {
	return s.Backend != next.Backend || s.Model != next.Model
}

// Entry is one registered backend with the cache it owns.
type Entry struct {
	Agent agent.Agent
	Cache *continuity.Cache
}

// Registry holds every backend and the current settings.
type Registry struct {
	instanceID string
	bus        bus.EventBus
	logger     *logger.Logger

	mu           sync.RWMutex
	settings     Settings
	fromConfig   Settings // last agent section read from the config file
	entries      map[agent.Backend]Entry
	sub          bus.Subscription
	onInvalidate []func()
}

// New builds a registry. Every backend in agent.Backends must have an entry.
// eventBus may be nil, in which case changes stay local.
func New(initial Settings, entries []Entry, eventBus bus.EventBus, instanceID string, log *logger.Logger) (*Registry, error) {
	initial, err := initial.normalize()
	if err != nil {
		return nil, err
	}
	byBackend := make(map[agent.Backend]Entry, len(entries))
	for _, e := range entries {
		if e.Agent == nil || e.Cache == nil {
			return nil, fmt.Errorf("registry entry is missing its agent or cache")
		}
		byBackend[e.Agent.Backend()] = e
	}
	for _, b := range agent.Backends {
		if _, ok := byBackend[b]; !ok {
			return nil, fmt.Errorf("no agent registered for backend %q", b)
		}
	}
	return &Registry{
		instanceID: instanceID,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "agent-registry")),
		settings:   initial,
		fromConfig: initial,
		entries:    byBackend,
	}, nil
}

// Settings returns the current settings.
func (r *Registry) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Active returns the selected agent together with the settings it was
// selected under.
func (r *Registry) Active() (agent.Agent, Settings) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[r.settings.Backend].Agent, r.settings
}

// Cache returns the continuity cache of backend b.
func (r *Registry) Cache(b agent.Backend) *continuity.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[b].Cache
}

// OnInvalidate registers fn to run after every change that cleared the
// caches. fn runs outside the registry lock.
func (r *Registry) OnInvalidate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInvalidate = append(r.onInvalidate, fn)
}

// Update replaces the settings and announces the change on the bus.
func (r *Registry) Update(ctx context.Context, next Settings) (Settings, error) {
	next, changed, err := r.apply(next)
	if err != nil || !changed || r.bus == nil {
		return next, err
	}
	evt := bus.NewEvent(events.SettingsChanged, r.instanceID, map[string]any{
		"backend":         string(next.Backend),
		"model":           next.Model,
		"reasoningEffort": next.ReasoningEffort,
	})
	if err := r.bus.Publish(ctx, events.SettingsChanged, evt); err != nil {
		r.logger.Warn("failed to publish settings change", zap.Error(err))
	}
	return next, nil
}

// ApplyConfig applies settings from a reloaded config file when they differ
// from the previous file contents, so edits to unrelated keys keep settings
// made through Update. The change is not republished; every instance watches
// its own file.
func (r *Registry) ApplyConfig(cfg config.AgentConfig) {
	s, err := SettingsFromConfig(cfg)
	if err == nil {
		s, err = s.normalize()
	}
	if err != nil {
		r.logger.Warn("ignoring invalid agent config", zap.Error(err))
		return
	}

	r.mu.Lock()
	unchanged := s == r.fromConfig
	r.fromConfig = s
	r.mu.Unlock()
	if unchanged {
		return
	}
	if _, _, err := r.apply(s); err != nil {
		r.logger.Warn("ignoring invalid agent config", zap.Error(err))
	}
}

func (r *Registry) apply(next Settings) (Settings, bool, error) {
	next, err := next.normalize()
	if err != nil {
		return Settings{}, false, err
	}

	r.mu.Lock()
	prev := r.settings
	r.settings = next
	invalidated := prev.invalidates(next)
	if invalidated {
		for _, b := range agent.Backends {
			r.entries[b].Cache.Clear()
		}
	}
	listeners := r.onInvalidate
	r.mu.Unlock()

	if invalidated {
		for _, fn := range listeners {
			fn()
		}
	}

	if prev == next {
		return next, false, nil
	}
	r.logger.Info("agent settings changed",
		zap.String("backend", string(next.Backend)),
		zap.String("model", next.Model),
		zap.String("reasoning_effort", next.ReasoningEffort),
		zap.Bool("caches_cleared", invalidated))
	return next, true, nil
}

// Start follows settings changes published by other instances.
func (r *Registry) Start() error {
	if r.bus == nil {
		return nil
	}
	sub, err := r.bus.Subscribe(events.SettingsChanged, r.handleSettingsChanged)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.SettingsChanged, err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *Registry) handleSettingsChanged(_ context.Context, evt *bus.Event) error {
	if evt.Source == r.instanceID {
		return nil
	}
	_, _, err := r.apply(Settings{
		Backend:         agent.Backend(evt.String("backend")),
		Model:           evt.String("model"),
		ReasoningEffort: evt.String("reasoningEffort"),
	})
	return err
}

// Stop ends the bus subscription.
func (r *Registry) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}
