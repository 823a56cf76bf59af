package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

// Registry tracks plugins installed on disk and their enabled state.
// Each plugin lives in its own directory under pluginsDir with a
// manifest.json; the enabled set is persisted to plugins.json next to
// the plugin directories.
type Registry struct {
	mu         sync.RWMutex
	installed  map[string]models.InstalledPlugin
	pluginsDir string
	logger     *observability.Logger
}

type persistedPlugin struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// NewRegistry scans pluginsDir for installed plugins and restores their
// enabled state.
func NewRegistry(pluginsDir string, logger *observability.Logger) *Registry {
	r := &Registry{
		installed:  make(map[string]models.InstalledPlugin),
		pluginsDir: pluginsDir,
		logger:     logger,
	}
	r.scan()
	r.loadState()
	return r
}

func (r *Registry) statePath() string {
	return filepath.Join(r.pluginsDir, "plugins.json")
}

// scan discovers plugin directories. A directory without a readable
// manifest.json is skipped with a warning.
func (r *Registry) scan() {
	entries, err := os.ReadDir(r.pluginsDir)
	if err != nil {
		return
	}
	ctx := context.Background()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.pluginsDir, entry.Name())
		manifest, err := LoadManifest(filepath.Join(dir, "manifest.json"))
		if err != nil {
			r.logger.Warn(ctx, "skipping plugin with bad manifest",
				"dir", entry.Name(), "error", err)
			continue
		}
		r.installed[manifest.ID] = models.InstalledPlugin{
			Manifest: manifest,
			Enabled:  false,
			Path:     dir,
		}
	}
}

func (r *Registry) loadState() {
	data, err := os.ReadFile(r.statePath())
	if err != nil {
		return
	}
	var saved []persistedPlugin
	if err := json.Unmarshal(data, &saved); err != nil {
		r.logger.Warn(context.Background(), "failed to parse plugins.json", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range saved {
		if inst, ok := r.installed[p.ID]; ok {
			inst.Enabled = p.Enabled
			r.installed[p.ID] = inst
		}
	}
}

func (r *Registry) saveState() {
	r.mu.RLock()
	list := make([]persistedPlugin, 0, len(r.installed))
	for _, p := range r.installed {
		list = append(list, persistedPlugin{ID: p.Manifest.ID, Enabled: p.Enabled})
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(r.pluginsDir, 0o755)
	_ = os.WriteFile(r.statePath(), data, 0o644)
}

// LoadManifest reads and validates a plugin manifest file.
func LoadManifest(path string) (models.PluginManifest, error) {
	var m models.PluginManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.ID) == "" {
		return m, fmt.Errorf("manifest missing id")
	}
	if strings.TrimSpace(m.Entry) == "" {
		return m, fmt.Errorf("manifest missing entry")
	}
	if m.CodeType == "" {
		m.CodeType = models.CodeTypeScript
	}
	return m, nil
}

// List returns installed plugins sorted by id.
func (r *Registry) List() []models.InstalledPlugin {
	r.mu.RLock()
	out := make([]models.InstalledPlugin, 0, len(r.installed))
	for _, p := range r.installed {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// Get returns one installed plugin.
func (r *Registry) Get(id string) (models.InstalledPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.installed[id]
	return p, ok
}

// SetEnabled flips a plugin's enabled flag and persists the state.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	p, ok := r.installed[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin not installed: %s", id)
	}
	p.Enabled = enabled
	r.installed[id] = p
	r.mu.Unlock()
	r.saveState()
	return nil
}

// Install registers a plugin directory that was just unpacked. The
// manifest is re-read from disk so the caller cannot hand in stale data.
func (r *Registry) Install(dir string) (models.InstalledPlugin, error) {
	manifest, err := LoadManifest(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return models.InstalledPlugin{}, err
	}
	inst := models.InstalledPlugin{Manifest: manifest, Enabled: false, Path: dir}
	r.mu.Lock()
	r.installed[manifest.ID] = inst
	r.mu.Unlock()
	r.saveState()
	return inst, nil
}

// Uninstall forgets a plugin and removes its directory.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	p, ok := r.installed[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin not installed: %s", id)
	}
	delete(r.installed, id)
	r.mu.Unlock()
	r.saveState()
	return os.RemoveAll(p.Path)
}
