package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbot-io/nbot/internal/commands"
	"github.com/nbot-io/nbot/pkg/models"
)

const (
	helpImageFailedReply  = "帮助图片生成失败：wkhtmltoimage 不可用或渲染失败"
	pluginExecFailedReply = "插件执行失败：请查看后台日志"
	customCommandReplyFmt = "自定义指令: %s"
)

// executeCommand runs a matched command and delivers its result.
func (d *Dispatcher) executeCommand(ctx context.Context, botID string, event models.Event, cmd models.Command, used string, isAlias bool, args []string) {
	d.store.Stats.IncCall()

	switch cmd.Action.Kind {
	case models.ActionHelp:
		d.executeHelp(ctx, botID, event, cmd)
	case models.ActionPlugin:
		d.executePlugin(ctx, botID, event, cmd, used, isAlias, args)
	case models.ActionCustom:
		reply := fmt.Sprintf(customCommandReplyFmt, cmd.Action.Custom)
		if err := d.hub.SendReply(ctx, botID, event, reply); err != nil {
			d.logger.Warn(ctx, "custom command reply failed", "command", cmd.ID, "error", err)
		}
	}
}

func (d *Dispatcher) executeHelp(ctx context.Context, botID string, event models.Event, cmd models.Command) {
	mode := "text"
	if m, ok := cmd.Config["mode"].(string); ok && m != "" {
		mode = m
	}

	if mode == "image" && d.help != nil {
		img, err := d.help.RenderHelpImage(ctx)
		if err == nil && img != "" {
			msg := fmt.Sprintf("[CQ:image,file=base64://%s]", img)
			if err := d.hub.SendReply(ctx, botID, event, msg); err != nil {
				d.logger.Warn(ctx, "help image reply failed", "error", err)
			}
			return
		}
		d.logger.Warn(ctx, "help image rendering failed", "error", err)
		if err := d.hub.SendReply(ctx, botID, event, helpImageFailedReply); err != nil {
			d.logger.Warn(ctx, "help failure reply failed", "error", err)
		}
		return
	}

	prefix, _ := d.commandConfig(botID)
	text := commands.GenerateHelpText(d.commands, d.pluginFn, prefix)
	if err := d.hub.SendReply(ctx, botID, event, text); err != nil {
		d.logger.Warn(ctx, "help reply failed", "error", err)
	}
}

func (d *Dispatcher) executePlugin(ctx context.Context, botID string, event models.Event, cmd models.Command, used string, isAlias bool, args []string) {
	hookCtx := map[string]any{
		"command":          cmd.Name,
		"command_used":     used,
		"command_is_alias": isAlias,
		"user_id":          event.Str("user_id"),
		"group_id":         event.Str("group_id"),
		"args":             args,
		"raw_message":      event.Str("raw_message"),
		"message":          messageText(event),
		"reply_message":    d.repliedMessageText(ctx, botID, event),
		"is_admin":         d.hasRole(botID, event, "admins"),
		"is_super_admin":   d.hasRole(botID, event, "super_admins"),
	}

	outputs, err := d.plugins.OnCommand(ctx, cmd.Action.PluginID, hookCtx)
	if err != nil {
		d.logger.Warn(ctx, "plugin command failed",
			"command", cmd.ID, "plugin", cmd.Action.PluginID, "error", err)
		if err := d.hub.SendReply(ctx, botID, event, pluginExecFailedReply); err != nil {
			d.logger.Warn(ctx, "plugin failure reply failed", "error", err)
		}
		return
	}

	withSource := make([]models.PluginOutputWithSource, 0, len(outputs))
	for _, o := range outputs {
		withSource = append(withSource, models.PluginOutputWithSource{PluginID: cmd.Action.PluginID, Output: o})
	}
	d.applyOutputs(ctx, botID, event, withSource)
}

// repliedMessageText fetches the raw text of the message an event
// replies to. Best effort: failures yield an empty string.
func (d *Dispatcher) repliedMessageText(ctx context.Context, botID string, event models.Event) string {
	replyID, ok := ParseReplyID(event.Str("raw_message"))
	if !ok {
		return ""
	}
	resp, err := d.hub.SendAPI(ctx, botID, "get_msg", map[string]any{"message_id": replyID})
	if err != nil {
		return ""
	}
	var payload struct {
		RawMessage string `json:"raw_message"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return ""
	}
	return payload.RawMessage
}

// hasRole checks the effective admin module for a user id listed under
// the given key.
func (d *Dispatcher) hasRole(botID string, event models.Event, key string) bool {
	mod, ok := d.modules.Effective(d.store, botID, "admin")
	if !ok || !mod.Enabled {
		return false
	}
	userID := event.Str("user_id")
	if userID == "" {
		return false
	}
	list, ok := mod.Config[key].([]any)
	if !ok {
		return false
	}
	for _, entry := range list {
		if fmt.Sprintf("%v", entry) == userID {
			return true
		}
	}
	// super admins are implicitly admins
	if key == "admins" {
		return d.hasRole(botID, event, "super_admins")
	}
	return false
}
