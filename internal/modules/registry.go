// Package modules manages feature modules and their per-bot overrides.
package modules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nbot-io/nbot/pkg/models"
)

// Module is a toggleable feature area with a free-form JSON config.
type Module struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Icon        string         `json:"icon,omitempty"`
	Enabled     bool           `json:"enabled"`
	Builtin     bool           `json:"is_system"`
	Config      map[string]any `json:"config"`
}

// Registry holds module definitions. Saved state overrides only the
// mutable fields of builtins, so new defaults ship without migrations.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]Module
	dataPath string
}

// NewRegistry creates a registry rooted at dataPath, seeds the builtin
// modules, and overlays any saved modules.json.
func NewRegistry(dataPath string) *Registry {
	r := &Registry{
		modules:  make(map[string]Module),
		dataPath: dataPath,
	}
	r.initDefaults()
	r.load()
	return r
}

func (r *Registry) initDefaults() {
	defaults := []Module{
		{
			ID:          "llm",
			Name:        "LLM 大语言模型",
			Description: "提供 LLM 服务供其他模块/插件调用",
			Icon:        "brain",
			Enabled:     false,
			Builtin:     true,
			Config: map[string]any{
				"default_model": "default",
				"limits":        map[string]any{},
				"multimodal":    map[string]any{},
			},
		},
		{
			ID:          "admin",
			Name:        "管理员模块",
			Description: "设置机器人管理员，管理员可执行特权指令",
			Icon:        "users",
			Enabled:     false,
			Builtin:     true,
			Config: map[string]any{
				"admins":       []any{},
				"super_admins": []any{},
			},
		},
		{
			ID:          "command",
			Name:        "指令模块",
			Description: "自定义指令前缀和指令解析规则",
			Icon:        "terminal",
			Enabled:     true,
			Builtin:     true,
			Config: map[string]any{
				"prefix":  "/",
				"aliases": map[string]any{},
			},
		},
	}
	for _, m := range defaults {
		r.modules[m.ID] = m
	}
}

func (r *Registry) configPath() string {
	return filepath.Join(r.dataPath, "modules.json")
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.configPath())
	if err != nil {
		return
	}
	var saved []Module
	if err := json.Unmarshal(data, &saved); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range saved {
		if existing, ok := r.modules[m.ID]; ok {
			existing.Enabled = m.Enabled
			existing.Config = m.Config
			r.modules[m.ID] = existing
		}
	}
}

func (r *Registry) save() error {
	r.mu.RLock()
	list := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		list = append(list, m)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dataPath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.configPath(), data, 0o644)
}

// List returns all modules.
func (r *Registry) List() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}

// Get returns the module with the given id.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// SetEnabled toggles a module: the runtime copy first, the persisted
// snapshot second. A failed write reverts the runtime copy.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("module not found: %s", id)
	}
	prev := m.Enabled
	m.Enabled = enabled
	r.modules[id] = m
	r.mu.Unlock()

	if err := r.save(); err != nil {
		r.mu.Lock()
		m.Enabled = prev
		r.modules[id] = m
		r.mu.Unlock()
		return fmt.Errorf("persist module state: %w", err)
	}
	return nil
}

// UpdateConfig replaces a module's config: the runtime copy first, the
// persisted snapshot second. A failed write reverts the runtime copy so
// the two never disagree.
func (r *Registry) UpdateConfig(id string, config map[string]any) error {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("module not found: %s", id)
	}
	prev := m.Config
	m.Config = config
	r.modules[id] = m
	r.mu.Unlock()

	if err := r.save(); err != nil {
		r.mu.Lock()
		m.Config = prev
		r.modules[id] = m
		r.mu.Unlock()
		return fmt.Errorf("persist module config: %w", err)
	}
	return nil
}

// BotConfigSource resolves per-bot module overrides; the state store
// implements it.
type BotConfigSource interface {
	Bot(id string) (models.BotInstance, bool)
}

// Effective returns the module with a bot's overrides applied: the enabled
// flag may be overridden, and the bot config is deep-merged over the
// global one.
func (r *Registry) Effective(bots BotConfigSource, botID, moduleID string) (Module, bool) {
	module, ok := r.Get(moduleID)
	if !ok {
		return Module{}, false
	}

	bot, ok := bots.Bot(botID)
	if !ok {
		return module, true
	}
	override, ok := bot.ModulesConfig[moduleID]
	if !ok {
		return module, true
	}

	if override.Enabled != nil {
		module.Enabled = *override.Enabled
	}
	if len(override.Config) > 0 {
		module.Config = MergeJSON(module.Config, override.Config)
	}
	return module, true
}

// IsEnabled reports whether the module is enabled for the bot after
// overrides.
func (r *Registry) IsEnabled(bots BotConfigSource, botID, moduleID string) bool {
	m, ok := r.Effective(bots, botID, moduleID)
	return ok && m.Enabled
}

// MergeJSON deep-merges overlay into a copy of base. Maps merge
// recursively; any other overlay value replaces the base value.
func MergeJSON(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if vm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeJSON(bm, vm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
