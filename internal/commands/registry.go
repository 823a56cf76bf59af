// Package commands manages the chat command registry and help output.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

// Registry stores dispatchable commands. Builtins are seeded in code;
// plugin commands are derived from enabled plugins at runtime and never
// persisted, so they cannot drift from plugin enable state.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]models.Command
	dataPath string
	logger   *observability.Logger
}

// NewRegistry creates a registry rooted at dataPath, seeds the builtins,
// and overlays commands.json if present.
func NewRegistry(dataPath string, logger *observability.Logger) *Registry {
	r := &Registry{
		commands: make(map[string]models.Command),
		dataPath: dataPath,
		logger:   logger,
	}
	r.initBuiltins()
	r.load()
	return r
}

func (r *Registry) initBuiltins() {
	help := models.Command{
		ID:          "help",
		Name:        "帮助",
		Aliases:     []string{"help", "菜单"},
		Description: "显示帮助信息，列出所有可用指令",
		IsBuiltin:   true,
		Action:      models.CommandAction{Kind: models.ActionHelp},
		Params: []models.CommandParam{{
			Name:        "command",
			Description: "查看指定指令的详细帮助",
			Required:    false,
			ParamType:   "string",
		}},
		Category: "核心功能",
		Config: map[string]any{
			"mode":           "text",
			"background_url": "",
		},
	}
	r.commands[help.ID] = help
}

func (r *Registry) configPath() string {
	return filepath.Join(r.dataPath, "commands.json")
}

// load reads commands.json. Entries are parsed one by one so a single bad
// command cannot break the whole file. Persisted plugin commands are
// dropped and the file is rewritten without them.
func (r *Registry) load() {
	data, err := os.ReadFile(r.configPath())
	if err != nil {
		return
	}

	var saved []models.Command
	if err := json.Unmarshal(data, &saved); err != nil {
		var rawItems []json.RawMessage
		if err := json.Unmarshal(data, &rawItems); err != nil {
			r.logger.Warn(context.Background(), "failed to parse commands.json", "error", err)
			return
		}
		for _, item := range rawItems {
			var cmd models.Command
			if err := json.Unmarshal(item, &cmd); err == nil {
				saved = append(saved, cmd)
			}
		}
	}

	droppedPlugin := false
	r.mu.Lock()
	for _, cmd := range saved {
		if cmd.Action.Kind == models.ActionPlugin {
			droppedPlugin = true
			continue
		}
		if cmd.IsBuiltin {
			if existing, ok := r.commands[cmd.ID]; ok {
				existing.Aliases = cmd.Aliases
				existing.Pattern = cmd.Pattern
				existing.Description = cmd.Description
				existing.Config = cmd.Config
				r.commands[cmd.ID] = existing
			}
			continue
		}
		r.commands[cmd.ID] = cmd
	}
	r.mu.Unlock()

	if droppedPlugin {
		r.save()
	}
}

func (r *Registry) save() {
	r.mu.RLock()
	list := make([]models.Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		if cmd.Action.Kind == models.ActionPlugin {
			continue
		}
		list = append(list, cmd)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(r.dataPath, 0o755)
	_ = os.WriteFile(r.configPath(), data, 0o644)
}

// List returns all commands, builtins first, then by name.
func (r *Registry) List() []models.Command {
	r.mu.RLock()
	out := make([]models.Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsBuiltin != out[j].IsBuiltin {
			return out[i].IsBuiltin
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the command with the given id.
func (r *Registry) Get(id string) (models.Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Create inserts a new command; the id must be unused.
func (r *Registry) Create(cmd models.Command) error {
	r.mu.Lock()
	if _, exists := r.commands[cmd.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("command id already exists: %s", cmd.ID)
	}
	r.commands[cmd.ID] = cmd
	r.mu.Unlock()
	r.save()
	return nil
}

// Delete removes a non-builtin, non-plugin command.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if cmd, ok := r.commands[id]; ok {
		if cmd.IsBuiltin {
			r.mu.Unlock()
			return fmt.Errorf("builtin command cannot be deleted")
		}
		if cmd.Action.Kind == models.ActionPlugin {
			r.mu.Unlock()
			return fmt.Errorf("plugin command cannot be deleted; disable the plugin instead")
		}
	}
	delete(r.commands, id)
	r.mu.Unlock()
	r.save()
	return nil
}

// UpdateBuiltin updates the editable fields of a builtin command. Nil or
// empty arguments leave the corresponding field untouched.
func (r *Registry) UpdateBuiltin(id string, aliases []string, pattern, description string, config map[string]any) error {
	r.mu.Lock()
	cmd, ok := r.commands[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("command not found: %s", id)
	}
	if !cmd.IsBuiltin {
		r.mu.Unlock()
		return fmt.Errorf("not a builtin command: %s", id)
	}
	if aliases != nil {
		cmd.Aliases = aliases
	}
	if pattern != "" {
		cmd.Pattern = pattern
	}
	if description != "" {
		cmd.Description = description
	}
	if config != nil {
		cmd.Config = config
	}
	r.commands[id] = cmd
	r.mu.Unlock()
	r.save()
	return nil
}

// RegisterPluginCommand registers a command backed by a plugin.
func (r *Registry) RegisterPluginCommand(pluginID, name string, aliases []string, description string) {
	cmd := models.Command{
		ID:          fmt.Sprintf("plugin_%s_%s", pluginID, name),
		Name:        name,
		Aliases:     aliases,
		Description: description,
		Action:      models.CommandAction{Kind: models.ActionPlugin, PluginID: pluginID},
		Category:    "插件",
		Config:      map[string]any{},
	}
	r.mu.Lock()
	r.commands[cmd.ID] = cmd
	r.mu.Unlock()
}

// UnregisterPluginCommands removes every command registered by a plugin.
func (r *Registry) UnregisterPluginCommands(pluginID string) {
	prefix := fmt.Sprintf("plugin_%s_", pluginID)
	r.mu.Lock()
	for id := range r.commands {
		if strings.HasPrefix(id, prefix) {
			delete(r.commands, id)
		}
	}
	r.mu.Unlock()
}

// Match finds a command by name or alias (case-insensitive).
func (r *Registry) Match(word string) (models.Command, bool) {
	needle := strings.ToLower(strings.TrimSpace(word))
	if needle == "" {
		return models.Command{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cmd := range r.commands {
		if strings.ToLower(cmd.Name) == needle {
			return cmd, true
		}
		for _, alias := range cmd.Aliases {
			if strings.ToLower(alias) == needle {
				return cmd, true
			}
		}
	}
	return models.Command{}, false
}

// Watch reloads commands.json when it is edited externally. Runs until ctx
// ends.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.dataPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != "commands.json" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.logger.Info(ctx, "commands.json changed, reloading")
				r.load()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn(ctx, "command watcher error", "error", err)
			}
		}
	}()
	return nil
}
