package render

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbot-io/nbot/internal/commands"
	"github.com/nbot-io/nbot/pkg/models"
)

const (
	// helpImageWidth is the render width of the command menu card.
	helpImageWidth = 420
	// helpImageQuality is the PNG quality of the command menu card.
	helpImageQuality = 90
)

// HelpRenderer renders the command menu as an image. It satisfies the
// runtime's HelpImageRenderer interface.
type HelpRenderer struct {
	renderer *Renderer
	registry *commands.Registry
	plugins  commands.PluginSource
	prefix   func() string
}

// NewHelpRenderer creates a help image renderer. prefix resolves the
// current command prefix at render time.
func NewHelpRenderer(renderer *Renderer, registry *commands.Registry, plugins commands.PluginSource, prefix func() string) *HelpRenderer {
	return &HelpRenderer{renderer: renderer, registry: registry, plugins: plugins, prefix: prefix}
}

// RenderHelpImage builds the menu HTML from the template and renders it
// to a base64 PNG.
func (h *HelpRenderer) RenderHelpImage(ctx context.Context) (string, error) {
	tpl, err := h.renderer.template("help_template.html")
	if err != nil {
		return "", err
	}

	cmds := dedupByName(h.registry.List())
	categories := groupByCategory(cmds)

	prefix := "/"
	if h.prefix != nil {
		prefix = h.prefix()
	}

	var catHTML strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&catHTML, `<div class="category"><div class="category-title">%s</div>`,
			escapeHTML(cat.name))
		for _, cmd := range cat.commands {
			desc := cmd.Description
			if desc == "" {
				desc = "（无说明）"
			}
			fmt.Fprintf(&catHTML,
				`<div class="command"><span class="name">%s%s</span><span class="desc">%s</span></div>`,
				escapeHTML(prefix), escapeHTML(cmd.Name), escapeHTML(desc))
		}
		catHTML.WriteString(`</div>`)
	}

	var plugHTML strings.Builder
	if h.plugins != nil {
		enabled := h.plugins.EnabledPlugins()
		sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })
		for _, p := range enabled {
			desc := strings.TrimSpace(p.Description)
			if desc == "" {
				desc = "（缺少简介：请在 manifest.json 填写 description）"
			}
			fmt.Fprintf(&plugHTML,
				`<div class="plugin-card"><div class="plugin-name">%s</div><div class="plugin-desc">%s</div></div>`,
				escapeHTML(p.Name), escapeHTML(desc))
		}
	}

	page := strings.NewReplacer(
		"{total_commands}", fmt.Sprintf("%d", len(cmds)),
		"{available_commands}", fmt.Sprintf("%d", len(cmds)),
		"{categories_html}", catHTML.String(),
		"{plugins_html}", plugHTML.String(),
		"{current_time}", time.Now().Format("2006-01-02 15:04:05"),
		"{logo_base64}", h.renderer.logoBase64(),
	).Replace(tpl)
	page = EmojiToTwemoji(page, h.renderer.twemojiURL)

	return h.renderer.client.RenderHTML(ctx, page, helpImageWidth, helpImageQuality)
}

type category struct {
	name     string
	commands []models.Command
}

// dedupByName collapses commands sharing a display name, preferring
// builtin over plugin over custom, then the smaller id.
func dedupByName(cmds []models.Command) []models.Command {
	unique := make(map[string]models.Command)
	for _, cmd := range cmds {
		key := strings.ToLower(strings.TrimSpace(cmd.Name))
		existing, ok := unique[key]
		if !ok || cmd.Priority() > existing.Priority() ||
			(cmd.Priority() == existing.Priority() && cmd.ID < existing.ID) {
			unique[key] = cmd
		}
	}
	out := make([]models.Command, 0, len(unique))
	for _, cmd := range unique {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// groupByCategory buckets commands by category in sorted order.
func groupByCategory(cmds []models.Command) []category {
	buckets := make(map[string][]models.Command)
	for _, cmd := range cmds {
		name := cmd.Category
		if name == "" {
			name = "其他"
		}
		buckets[name] = append(buckets[name], cmd)
	}
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]category, 0, len(names))
	for _, name := range names {
		out = append(out, category{name: name, commands: buckets[name]})
	}
	return out
}
