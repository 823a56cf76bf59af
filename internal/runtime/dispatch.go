package runtime

import (
	"context"
	"strings"

	"github.com/nbot-io/nbot/internal/commands"
	"github.com/nbot-io/nbot/internal/modules"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/plugins"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

// HelpImageRenderer renders the command menu as a base64 PNG. Nil means
// image mode is unavailable and help falls back to text.
type HelpImageRenderer interface {
	RenderHelpImage(ctx context.Context) (string, error)
}

// MediaForwarder receives message events that carry analyzable media or
// documents, and serves plugin-initiated analysis requests.
type MediaForwarder interface {
	// MaybeHandle inspects a message event and reports whether it
	// claimed it for analysis.
	MaybeHandle(ctx context.Context, botID string, event models.Event) bool
	// HandleRequest runs one explicit analysis request to completion,
	// sending the result or a failure reply itself.
	HandleRequest(ctx context.Context, botID string, event models.Event, req models.LLMForwardRequest)
}

// LLMClient completes plugin-initiated prompts.
type LLMClient interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// SearchingLLMClient is an LLMClient whose upstream can ground the
// completion with web search. Plugins opt in per request.
type SearchingLLMClient interface {
	CompleteWithSearch(ctx context.Context, model, prompt string) (string, error)
}

// Dispatcher routes normalized platform events through the plugin hooks
// and the command registry.
type Dispatcher struct {
	hub      *Hub
	store    *state.Store
	modules  *modules.Registry
	commands *commands.Registry
	plugins  *plugins.Manager
	pluginFn commands.PluginSource
	help     HelpImageRenderer
	forward  MediaForwarder
	llm      LLMClient
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// SetMetrics attaches the metrics collectors. Nil leaves metrics off.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// NewDispatcher wires the pipeline. help, forward, and llm may be nil.
func NewDispatcher(
	hub *Hub,
	store *state.Store,
	mods *modules.Registry,
	cmds *commands.Registry,
	plugs *plugins.Manager,
	pluginSource commands.PluginSource,
	help HelpImageRenderer,
	forward MediaForwarder,
	llm LLMClient,
	logger *observability.Logger,
) *Dispatcher {
	return &Dispatcher{
		hub:      hub,
		store:    store,
		modules:  mods,
		commands: cmds,
		plugins:  plugs,
		pluginFn: pluginSource,
		help:     help,
		forward:  forward,
		llm:      llm,
		logger:   logger,
	}
}

// HandleEvent is the entry point for every normalized event a transport
// receives.
func (d *Dispatcher) HandleEvent(ctx context.Context, botID string, event models.Event) {
	ctx = observability.AddBotID(ctx, botID)

	if d.metrics != nil {
		platform := event.Str("platform")
		if platform == "" {
			if conn, ok := d.hub.Connection(botID); ok {
				platform = string(conn.Platform())
			}
		}
		d.metrics.EventReceived(platform, event.PostType())
	}

	switch event.PostType() {
	case "meta_event":
		d.handleMeta(ctx, botID, event)
	case "notice":
		d.handleNotice(ctx, botID, event)
	case "message":
		d.handleMessage(ctx, botID, event)
	}
}

func (d *Dispatcher) handleMeta(ctx context.Context, botID string, event models.Event) {
	if event.Str("meta_event_type") == "lifecycle" {
		if selfID := event.Str("self_id"); selfID != "" {
			d.hub.SelfIDs.Put(botID, selfID)
		}
		d.store.SetConnected(botID, true)
	}

	res, err := d.plugins.OnMetaEvent(ctx, d.hookContext(botID, event))
	if err != nil {
		d.logger.Warn(ctx, "meta event dispatch failed", "error", err)
		return
	}
	d.applyOutputs(ctx, botID, event, res.Outputs)
}

func (d *Dispatcher) handleNotice(ctx context.Context, botID string, event models.Event) {
	res, err := d.plugins.OnNotice(ctx, d.hookContext(botID, event))
	if err != nil {
		d.logger.Warn(ctx, "notice dispatch failed", "error", err)
		return
	}
	d.applyOutputs(ctx, botID, event, res.Outputs)
}

func (d *Dispatcher) handleMessage(ctx context.Context, botID string, event models.Event) {
	// Never react to the bot's own messages.
	if selfID, ok := d.hub.SelfIDs.Get(botID); ok && selfID != "" {
		if event.Str("user_id") == selfID {
			return
		}
	}

	d.store.Stats.IncMessage()

	res, err := d.plugins.PreMessage(ctx, d.hookContext(botID, event))
	if err != nil {
		d.logger.Warn(ctx, "preMessage dispatch failed", "error", err)
		return
	}
	d.applyOutputs(ctx, botID, event, res.Outputs)
	if !res.Allow {
		return
	}

	if d.tryCommand(ctx, botID, event) {
		return
	}

	if d.forward != nil && d.modules.IsEnabled(d.store, botID, "llm") {
		if d.forward.MaybeHandle(ctx, botID, event) {
			return
		}
	}
}

// tryCommand parses and executes a command invocation. It reports
// whether the message was a command attempt (matched or not).
func (d *Dispatcher) tryCommand(ctx context.Context, botID string, event models.Event) bool {
	prefix, aliases := d.commandConfig(botID)

	text := strings.TrimSpace(messageText(event))
	if text == "" || !strings.HasPrefix(text, prefix) {
		return false
	}
	body := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	if body == "" {
		return false
	}

	fields := strings.Fields(body)
	word := fields[0]
	args := fields[1:]

	used := word
	isAlias := false
	if target, ok := aliases[strings.ToLower(word)]; ok {
		word = target
		isAlias = true
	}

	cmd, ok := d.commands.Match(word)
	if !ok {
		return false
	}

	hookCtx := d.hookContext(botID, event)
	hookCtx["command"] = cmd.Name
	hookCtx["command_used"] = used
	hookCtx["command_is_alias"] = isAlias
	hookCtx["args"] = args

	res, err := d.plugins.PreCommand(ctx, hookCtx)
	if err != nil {
		d.logger.Warn(ctx, "preCommand dispatch failed", "error", err)
		return true
	}
	d.applyOutputs(ctx, botID, event, res.Outputs)
	if !res.Allow {
		return true
	}

	d.executeCommand(ctx, botID, event, cmd, used, isAlias, args)
	return true
}

// commandConfig resolves the effective prefix and alias map for a bot.
func (d *Dispatcher) commandConfig(botID string) (string, map[string]string) {
	prefix := "/"
	aliases := map[string]string{}

	mod, ok := d.modules.Effective(d.store, botID, "command")
	if !ok || !mod.Enabled {
		return prefix, aliases
	}
	if p, ok := mod.Config["prefix"].(string); ok && p != "" {
		prefix = p
	}
	if raw, ok := mod.Config["aliases"].(map[string]any); ok {
		for alias, target := range raw {
			if t, ok := target.(string); ok {
				aliases[strings.ToLower(alias)] = t
			}
		}
	}
	return prefix, aliases
}

// messageText concatenates the text segments of a message event.
func messageText(event models.Event) string {
	segments := event.Segments()
	if len(segments) == 0 {
		return event.Str("raw_message")
	}
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(seg.Str("text"))
		}
	}
	return b.String()
}

func (d *Dispatcher) hookContext(botID string, event models.Event) map[string]any {
	return map[string]any{
		"bot_id": botID,
		"event":  map[string]any(event),
	}
}

func (d *Dispatcher) applyOutputs(ctx context.Context, botID string, event models.Event, outputs []models.PluginOutputWithSource) {
	deferred := d.hub.ApplyOutputs(ctx, botID, event, outputs)
	for _, out := range deferred {
		switch out.Output.Kind {
		case models.OutputUpdateConfig:
			d.applyConfigUpdate(ctx, out)
		case models.OutputLLMRequest:
			go d.serveLLMRequest(context.WithoutCancel(ctx), botID, event, out)
		case models.OutputLLMForward:
			if d.forward != nil && out.Output.Forward != nil {
				go d.forward.HandleRequest(context.WithoutCancel(ctx), botID, event, *out.Output.Forward)
			}
		case models.OutputGroupInfoReq:
			go d.serveGroupInfoRequest(context.WithoutCancel(ctx), botID, event, out)
		case models.OutputDownloadFile:
			go d.serveDownloadFile(context.WithoutCancel(ctx), botID, event, out)
		}
	}
}

// applyConfigUpdate merges a plugin's config change into the named
// module. The registry applies the runtime copy first and persists
// second, reverting the runtime copy when the write fails.
func (d *Dispatcher) applyConfigUpdate(ctx context.Context, out models.PluginOutputWithSource) {
	moduleID := out.Output.ModuleID
	if moduleID == "" {
		d.logger.Warn(ctx, "config update without module id", "plugin", out.PluginID)
		return
	}
	mod, ok := d.modules.Get(moduleID)
	if !ok {
		d.logger.Warn(ctx, "config update for unknown module",
			"plugin", out.PluginID, "module", moduleID)
		return
	}
	merged := modules.MergeJSON(mod.Config, out.Output.Config)
	if err := d.modules.UpdateConfig(moduleID, merged); err != nil {
		d.logger.Warn(ctx, "module config update failed",
			"plugin", out.PluginID, "module", moduleID, "error", err)
	}
}

// serveLLMRequest completes a plugin prompt and feeds the result back
// through the onLlmResponse hook.
func (d *Dispatcher) serveLLMRequest(ctx context.Context, botID string, event models.Event, out models.PluginOutputWithSource) {
	req := out.Output
	if d.llm == nil {
		d.deliverLLMResponse(ctx, botID, event, out.PluginID, req.RequestID, false, "no llm gateway configured")
		return
	}

	model := req.Model
	if model == "" {
		if mod, ok := d.modules.Effective(d.store, botID, "llm"); ok {
			if m, ok := mod.Config["default_model"].(string); ok {
				model = m
			}
		}
	}

	var content string
	var err error
	if search, ok := d.llm.(SearchingLLMClient); ok && req.WithSearch {
		content, err = search.CompleteWithSearch(ctx, model, req.Prompt)
	} else {
		content, err = d.llm.Complete(ctx, model, req.Prompt)
	}
	if err != nil {
		d.logger.Warn(ctx, "plugin llm request failed",
			"plugin", out.PluginID, "request_id", req.RequestID, "error", err)
		d.deliverLLMResponse(ctx, botID, event, out.PluginID, req.RequestID, false, err.Error())
		return
	}
	d.deliverLLMResponse(ctx, botID, event, out.PluginID, req.RequestID, true, content)
}

func (d *Dispatcher) deliverLLMResponse(ctx context.Context, botID string, event models.Event, pluginID, requestID string, success bool, content string) {
	outputs, err := d.plugins.OnLlmResponse(ctx, pluginID, requestID, success, content)
	if err != nil {
		d.logger.Warn(ctx, "onLlmResponse hook failed", "plugin", pluginID, "error", err)
		return
	}
	withSource := make([]models.PluginOutputWithSource, 0, len(outputs))
	for _, o := range outputs {
		withSource = append(withSource, models.PluginOutputWithSource{PluginID: pluginID, Output: o})
	}
	d.hub.ApplyOutputs(ctx, botID, event, withSource)
}

// groupInfoActions maps the info_type vocabulary onto platform actions.
var groupInfoActions = map[string]string{
	"group_info":  "get_group_info",
	"member_list": "get_group_member_list",
	"notice":      "_get_group_notice",
	"msg_history": "get_group_msg_history",
	"files":       "get_group_root_files",
	"file_url":    "get_group_file_url",
	"friend_list": "get_friend_list",
	"group_list":  "get_group_list",
}

// serveGroupInfoRequest resolves a group info query on the bot's
// connection and feeds the result back through onGroupInfoResponse,
// tagged with the info_type the plugin asked for.
func (d *Dispatcher) serveGroupInfoRequest(ctx context.Context, botID string, event models.Event, out models.PluginOutputWithSource) {
	req := out.Output
	action, ok := groupInfoActions[req.InfoType]
	if !ok {
		action = "get_group_info"
	}

	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.GroupID > 0 {
		params["group_id"] = req.GroupID
	}

	resp, err := d.hub.SendAPI(ctx, botID, action, params)
	success := err == nil
	data := ""
	if success {
		data = string(resp)
	} else {
		d.logger.Warn(ctx, "group info request failed",
			"plugin", out.PluginID, "info_type", req.InfoType, "group_id", req.GroupID, "error", err)
	}
	d.deliverGroupInfoResponse(ctx, botID, event, out.PluginID, req.RequestID, req.InfoType, success, data)
}

// serveDownloadFile asks the platform to fetch a URL into its file
// store and reports the outcome like a fetch query.
func (d *Dispatcher) serveDownloadFile(ctx context.Context, botID string, event models.Event, out models.PluginOutputWithSource) {
	req := out.Output
	resp, err := d.hub.SendAPI(ctx, botID, "download_file", map[string]any{
		"url":          req.URL,
		"thread_count": 1,
	})
	success := err == nil
	data := ""
	if success {
		data = string(resp)
	} else {
		d.logger.Warn(ctx, "download file request failed",
			"plugin", out.PluginID, "url", req.URL, "error", err)
	}
	d.deliverGroupInfoResponse(ctx, botID, event, out.PluginID, req.RequestID, "download_file", success, data)
}

func (d *Dispatcher) deliverGroupInfoResponse(ctx context.Context, botID string, event models.Event, pluginID, requestID, infoType string, success bool, data string) {
	outputs, err := d.plugins.OnGroupInfoResponse(ctx, pluginID, requestID, infoType, success, data)
	if err != nil {
		d.logger.Warn(ctx, "onGroupInfoResponse hook failed", "plugin", pluginID, "error", err)
		return
	}
	withSource := make([]models.PluginOutputWithSource, 0, len(outputs))
	for _, o := range outputs {
		withSource = append(withSource, models.PluginOutputWithSource{PluginID: pluginID, Output: o})
	}
	d.hub.ApplyOutputs(ctx, botID, event, withSource)
}
