package plugins

import (
	"context"
	"fmt"
	"sort"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

// whitelistPriority orders the whitelist plugin ahead of everything else
// so it can veto events before other plugins see them.
const whitelistPriority = -100

type loadedPlugin struct {
	manifest models.PluginManifest
	engine   Engine
	priority int
}

// Manager owns the loaded plugin engines and serializes every hook
// through a single dispatcher goroutine, so plugin code never runs
// concurrently with itself or with load/unload.
type Manager struct {
	registry *Registry
	factory  EngineFactory
	dataDir  string
	logger   *observability.Logger

	requests chan func()
	loaded   map[string]*loadedPlugin
}

// NewManager creates a manager. Run must be called before any hook is
// dispatched.
func NewManager(registry *Registry, factory EngineFactory, dataDir string, logger *observability.Logger) *Manager {
	return &Manager{
		registry: registry,
		factory:  factory,
		dataDir:  dataDir,
		logger:   logger,
		requests: make(chan func(), 64),
		loaded:   make(map[string]*loadedPlugin),
	}
}

// Run drives the dispatcher until ctx ends, then closes every loaded
// engine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for id, lp := range m.loaded {
				if err := lp.engine.Close(context.Background()); err != nil {
					m.logger.Warn(ctx, "plugin close failed", "plugin", id, "error", err)
				}
			}
			m.loaded = make(map[string]*loadedPlugin)
			return
		case fn := <-m.requests:
			fn()
		}
	}
}

// do runs fn on the dispatcher goroutine and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.requests <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func priorityFor(id string) int {
	if id == "whitelist" {
		return whitelistPriority
	}
	return 0
}

// orderedIDs returns loaded plugin ids by priority, then id.
func (m *Manager) orderedIDs() []string {
	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := m.loaded[ids[i]].priority, m.loaded[ids[j]].priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Load builds an engine for an installed plugin and registers it for
// dispatch. Loading an already loaded plugin replaces the old engine.
func (m *Manager) Load(ctx context.Context, id string) error {
	inst, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("plugin not installed: %s", id)
	}
	engine, err := m.factory(ctx, inst, m.dataDir)
	if err != nil {
		return fmt.Errorf("load plugin %s: %w", id, err)
	}
	return m.do(ctx, func() {
		if old, ok := m.loaded[id]; ok {
			if err := old.engine.Close(ctx); err != nil {
				m.logger.Warn(ctx, "plugin close failed", "plugin", id, "error", err)
			}
		}
		m.loaded[id] = &loadedPlugin{
			manifest: inst.Manifest,
			engine:   engine,
			priority: priorityFor(id),
		}
	})
}

// Unload closes and removes a loaded plugin. Unloading a plugin that is
// not loaded is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	return m.do(ctx, func() {
		lp, ok := m.loaded[id]
		if !ok {
			return
		}
		if err := lp.engine.Close(ctx); err != nil {
			m.logger.Warn(ctx, "plugin close failed", "plugin", id, "error", err)
		}
		delete(m.loaded, id)
	})
}

// UpdateConfig pushes a new config into a loaded plugin.
func (m *Manager) UpdateConfig(ctx context.Context, id string, config map[string]any) error {
	var out error
	err := m.do(ctx, func() {
		lp, ok := m.loaded[id]
		if !ok {
			out = fmt.Errorf("plugin not loaded: %s", id)
			return
		}
		out = lp.engine.UpdateConfig(ctx, config)
	})
	if err != nil {
		return err
	}
	return out
}

// IsLoaded reports whether a plugin currently has a live engine.
func (m *Manager) IsLoaded(ctx context.Context, id string) bool {
	loaded := false
	_ = m.do(ctx, func() { _, loaded = m.loaded[id] })
	return loaded
}

// LoadedIDs returns the ids of loaded plugins in dispatch order.
func (m *Manager) LoadedIDs(ctx context.Context) []string {
	var ids []string
	_ = m.do(ctx, func() { ids = m.orderedIDs() })
	return ids
}

// PreMessage runs the preMessage hook across loaded plugins in priority
// order. A plugin error or an explicit deny stops the walk and denies
// the event; outputs collected up to that point are still returned.
func (m *Manager) PreMessage(ctx context.Context, hookCtx map[string]any) (models.HookResult, error) {
	return m.gatedHook(ctx, hookCtx, "preMessage", func(e Engine) (bool, []models.PluginOutput, error) {
		return e.PreMessage(ctx, hookCtx)
	})
}

// PreCommand runs the preCommand hook with the same deny semantics as
// PreMessage.
func (m *Manager) PreCommand(ctx context.Context, hookCtx map[string]any) (models.HookResult, error) {
	return m.gatedHook(ctx, hookCtx, "preCommand", func(e Engine) (bool, []models.PluginOutput, error) {
		return e.PreCommand(ctx, hookCtx)
	})
}

func (m *Manager) gatedHook(ctx context.Context, hookCtx map[string]any, hook string, call func(Engine) (bool, []models.PluginOutput, error)) (models.HookResult, error) {
	result := models.HookResult{Allow: true}
	err := m.do(ctx, func() {
		for _, id := range m.orderedIDs() {
			lp := m.loaded[id]
			allow, outputs, err := call(lp.engine)
			for _, o := range outputs {
				result.Outputs = append(result.Outputs, models.PluginOutputWithSource{PluginID: id, Output: o})
			}
			if err != nil {
				m.logger.Warn(ctx, "plugin hook failed, blocking event",
					"plugin", id, "hook", hook, "error", err)
				result.Allow = false
				return
			}
			if !allow {
				result.Allow = false
				return
			}
		}
	})
	return result, err
}

// OnNotice runs the onNotice hook. A plugin error is logged and skipped;
// only an explicit deny stops the walk.
func (m *Manager) OnNotice(ctx context.Context, hookCtx map[string]any) (models.HookResult, error) {
	return m.tolerantHook(ctx, "onNotice", func(e Engine) (bool, []models.PluginOutput, error) {
		return e.OnNotice(ctx, hookCtx)
	})
}

// OnMetaEvent runs the onMetaEvent hook with the same tolerant
// semantics as OnNotice.
func (m *Manager) OnMetaEvent(ctx context.Context, hookCtx map[string]any) (models.HookResult, error) {
	return m.tolerantHook(ctx, "onMetaEvent", func(e Engine) (bool, []models.PluginOutput, error) {
		return e.OnMetaEvent(ctx, hookCtx)
	})
}

func (m *Manager) tolerantHook(ctx context.Context, hook string, call func(Engine) (bool, []models.PluginOutput, error)) (models.HookResult, error) {
	result := models.HookResult{Allow: true}
	err := m.do(ctx, func() {
		for _, id := range m.orderedIDs() {
			lp := m.loaded[id]
			allow, outputs, err := call(lp.engine)
			if err != nil {
				m.logger.Warn(ctx, "plugin hook failed, skipping",
					"plugin", id, "hook", hook, "error", err)
				continue
			}
			for _, o := range outputs {
				result.Outputs = append(result.Outputs, models.PluginOutputWithSource{PluginID: id, Output: o})
			}
			if !allow {
				result.Allow = false
				return
			}
		}
	})
	return result, err
}

// OnMetaEventFor dispatches a meta event to a single plugin. Nothing
// happens when the plugin is not loaded.
func (m *Manager) OnMetaEventFor(ctx context.Context, id string, hookCtx map[string]any) ([]models.PluginOutputWithSource, error) {
	var (
		outputs []models.PluginOutputWithSource
		hookErr error
	)
	err := m.do(ctx, func() {
		lp, ok := m.loaded[id]
		if !ok {
			return
		}
		_, outs, err := lp.engine.OnMetaEvent(ctx, hookCtx)
		if err != nil {
			hookErr = err
			return
		}
		for _, o := range outs {
			outputs = append(outputs, models.PluginOutputWithSource{PluginID: id, Output: o})
		}
	})
	if err != nil {
		return nil, err
	}
	return outputs, hookErr
}

// OnCommand executes a command hook on a specific plugin.
func (m *Manager) OnCommand(ctx context.Context, id string, hookCtx map[string]any) ([]models.PluginOutput, error) {
	var (
		outputs []models.PluginOutput
		hookErr error
	)
	err := m.do(ctx, func() {
		lp, ok := m.loaded[id]
		if !ok {
			hookErr = fmt.Errorf("plugin not loaded: %s", id)
			return
		}
		outputs, hookErr = lp.engine.OnCommand(ctx, hookCtx)
	})
	if err != nil {
		return nil, err
	}
	return outputs, hookErr
}

// OnLlmResponse delivers an LLM result to the plugin that requested it.
func (m *Manager) OnLlmResponse(ctx context.Context, id, requestID string, success bool, content string) ([]models.PluginOutput, error) {
	var (
		outputs []models.PluginOutput
		hookErr error
	)
	err := m.do(ctx, func() {
		lp, ok := m.loaded[id]
		if !ok {
			hookErr = fmt.Errorf("plugin not loaded: %s", id)
			return
		}
		outputs, hookErr = lp.engine.OnLlmResponse(ctx, requestID, success, content)
	})
	if err != nil {
		return nil, err
	}
	return outputs, hookErr
}

// OnGroupInfoResponse delivers a group info result to the plugin that
// requested it.
func (m *Manager) OnGroupInfoResponse(ctx context.Context, id, requestID, infoType string, success bool, data string) ([]models.PluginOutput, error) {
	var (
		outputs []models.PluginOutput
		hookErr error
	)
	err := m.do(ctx, func() {
		lp, ok := m.loaded[id]
		if !ok {
			hookErr = fmt.Errorf("plugin not loaded: %s", id)
			return
		}
		outputs, hookErr = lp.engine.OnGroupInfoResponse(ctx, requestID, infoType, success, data)
	})
	if err != nil {
		return nil, err
	}
	return outputs, hookErr
}
