package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nbot-io/nbot/pkg/models"
)

// PluginInfo is the slice of plugin metadata help output needs.
type PluginInfo struct {
	ID          string
	Name        string
	Description string
	Commands    []string
}

// PluginSource resolves plugin metadata for owner labels and the
// no-command feature list.
type PluginSource interface {
	PluginInfo(id string) (PluginInfo, bool)
	EnabledPlugins() []PluginInfo
}

// GenerateHelpText renders the two-column command menu plus the list of
// enabled plugins that expose no commands.
func GenerateHelpText(reg *Registry, plugins PluginSource, prefix string) string {
	unique := dedupCommands(reg.List())

	lines := make([]string, 0, len(unique))
	for _, cmd := range unique {
		owner := shorten(ownerLabel(plugins, cmd), 10)
		lines = append(lines, fmt.Sprintf("%s%s [%s]", prefix, cmd.Name, owner))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "指令菜单（%d 个）\n\n", len(lines))

	width := 0
	for _, line := range lines {
		if n := len([]rune(line)); n > width {
			width = n
		}
	}
	if width < 8 {
		width = 8
	}
	if width > 24 {
		width = 24
	}

	for i := 0; i < len(lines); i += 2 {
		if i+1 < len(lines) {
			b.WriteString(padRunes(lines[i], width))
			b.WriteString("  ")
			b.WriteString(lines[i+1])
			b.WriteByte('\n')
		} else {
			b.WriteString(lines[i])
			b.WriteByte('\n')
		}
	}

	features := noCommandFeatures(plugins)
	if len(features) > 0 {
		b.WriteString("\n\n插件功能（无指令）\n")
		for _, f := range features {
			fmt.Fprintf(&b, "- %s：%s\n", f.Name, f.Description)
		}
	}

	b.WriteString("\n\n提示：在 WebUI 的「指令管理」可查看详细说明与别名；在「插件中心」可查看插件简介与配置。")
	return b.String()
}

// dedupCommands collapses commands sharing a name (case-insensitive),
// keeping the higher priority one, then the smaller id. Output is sorted
// by the dedup key.
func dedupCommands(cmds []models.Command) []models.Command {
	unique := make(map[string]models.Command)
	for _, cmd := range cmds {
		key := strings.ToLower(strings.TrimSpace(cmd.Name))
		existing, ok := unique[key]
		if !ok {
			unique[key] = cmd
			continue
		}
		if cmd.Priority() > existing.Priority() ||
			(cmd.Priority() == existing.Priority() && cmd.ID < existing.ID) {
			unique[key] = cmd
		}
	}

	keys := make([]string, 0, len(unique))
	for k := range unique {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.Command, 0, len(keys))
	for _, k := range keys {
		out = append(out, unique[k])
	}
	return out
}

// ownerLabel names who provides a command: 内置 for builtins, the plugin
// display name for plugin commands, 自定义 otherwise.
func ownerLabel(plugins PluginSource, cmd models.Command) string {
	if cmd.IsBuiltin || cmd.Action.Kind == models.ActionHelp {
		return "内置"
	}
	switch cmd.Action.Kind {
	case models.ActionPlugin:
		if plugins != nil {
			if info, ok := plugins.PluginInfo(cmd.Action.PluginID); ok {
				return info.Name
			}
		}
		return cmd.Action.PluginID
	case models.ActionCustom:
		return "自定义"
	default:
		return "内置"
	}
}

func noCommandFeatures(plugins PluginSource) []PluginInfo {
	if plugins == nil {
		return nil
	}
	var out []PluginInfo
	for _, p := range plugins.EnabledPlugins() {
		if len(p.Commands) > 0 {
			continue
		}
		desc := strings.TrimSpace(p.Description)
		if desc == "" {
			desc = "（缺少简介：请在 manifest.json 填写 description）"
		}
		out = append(out, PluginInfo{ID: p.ID, Name: strings.TrimSpace(p.Name), Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func shorten(input string, maxChars int) string {
	if maxChars == 0 {
		return ""
	}
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}
	return string(runes[:maxChars-1]) + "…"
}

func padRunes(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}
