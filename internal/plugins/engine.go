// Package plugins hosts the plugin registry, hook dispatch, and package
// verification.
package plugins

import (
	"context"

	"github.com/nbot-io/nbot/pkg/models"
)

// Engine executes one loaded plugin. Implementations wrap whatever runtime
// actually runs the plugin code; the dispatcher only speaks this interface.
type Engine interface {
	// UpdateConfig replaces the plugin's config without reloading it.
	UpdateConfig(ctx context.Context, config map[string]any) error

	// Close runs the plugin's onDisable handler and releases resources.
	Close(ctx context.Context) error

	// PreMessage runs before message processing. allow=false blocks
	// further handling of the event.
	PreMessage(ctx context.Context, hookCtx map[string]any) (allow bool, outputs []models.PluginOutput, err error)

	// PreCommand runs before command execution.
	PreCommand(ctx context.Context, hookCtx map[string]any) (allow bool, outputs []models.PluginOutput, err error)

	// OnCommand executes a command owned by this plugin.
	OnCommand(ctx context.Context, hookCtx map[string]any) ([]models.PluginOutput, error)

	// OnNotice handles notice events (recalls, pokes, member changes).
	OnNotice(ctx context.Context, hookCtx map[string]any) (allow bool, outputs []models.PluginOutput, err error)

	// OnMetaEvent handles meta events (heartbeats, internal ticks).
	OnMetaEvent(ctx context.Context, hookCtx map[string]any) (allow bool, outputs []models.PluginOutput, err error)

	// OnLlmResponse delivers the result of a plugin-initiated LLM call.
	OnLlmResponse(ctx context.Context, requestID string, success bool, content string) ([]models.PluginOutput, error)

	// OnGroupInfoResponse delivers the result of a group info request.
	OnGroupInfoResponse(ctx context.Context, requestID, infoType string, success bool, data string) ([]models.PluginOutput, error)
}

// EngineFactory builds an engine for a plugin being loaded.
type EngineFactory func(ctx context.Context, plugin models.InstalledPlugin, dataDir string) (Engine, error)

// StaticEngine is an Engine backed by plain function fields. Nil fields
// behave as allow-with-no-output. It backs tests and builtin plugins that
// need no script runtime.
type StaticEngine struct {
	Config map[string]any

	PreMessageFn  func(hookCtx map[string]any) (bool, []models.PluginOutput, error)
	PreCommandFn  func(hookCtx map[string]any) (bool, []models.PluginOutput, error)
	OnCommandFn   func(hookCtx map[string]any) ([]models.PluginOutput, error)
	OnNoticeFn    func(hookCtx map[string]any) (bool, []models.PluginOutput, error)
	OnMetaEventFn func(hookCtx map[string]any) (bool, []models.PluginOutput, error)

	OnLlmResponseFn       func(requestID string, success bool, content string) ([]models.PluginOutput, error)
	OnGroupInfoResponseFn func(requestID, infoType string, success bool, data string) ([]models.PluginOutput, error)
	CloseFn               func() error
}

var _ Engine = (*StaticEngine)(nil)

func (e *StaticEngine) UpdateConfig(_ context.Context, config map[string]any) error {
	e.Config = config
	return nil
}

func (e *StaticEngine) Close(context.Context) error {
	if e.CloseFn != nil {
		return e.CloseFn()
	}
	return nil
}

func (e *StaticEngine) PreMessage(_ context.Context, hookCtx map[string]any) (bool, []models.PluginOutput, error) {
	if e.PreMessageFn != nil {
		return e.PreMessageFn(hookCtx)
	}
	return true, nil, nil
}

func (e *StaticEngine) PreCommand(_ context.Context, hookCtx map[string]any) (bool, []models.PluginOutput, error) {
	if e.PreCommandFn != nil {
		return e.PreCommandFn(hookCtx)
	}
	return true, nil, nil
}

func (e *StaticEngine) OnCommand(_ context.Context, hookCtx map[string]any) ([]models.PluginOutput, error) {
	if e.OnCommandFn != nil {
		return e.OnCommandFn(hookCtx)
	}
	return nil, nil
}

func (e *StaticEngine) OnNotice(_ context.Context, hookCtx map[string]any) (bool, []models.PluginOutput, error) {
	if e.OnNoticeFn != nil {
		return e.OnNoticeFn(hookCtx)
	}
	return true, nil, nil
}

func (e *StaticEngine) OnMetaEvent(_ context.Context, hookCtx map[string]any) (bool, []models.PluginOutput, error) {
	if e.OnMetaEventFn != nil {
		return e.OnMetaEventFn(hookCtx)
	}
	return true, nil, nil
}

func (e *StaticEngine) OnLlmResponse(_ context.Context, requestID string, success bool, content string) ([]models.PluginOutput, error) {
	if e.OnLlmResponseFn != nil {
		return e.OnLlmResponseFn(requestID, success, content)
	}
	return nil, nil
}

func (e *StaticEngine) OnGroupInfoResponse(_ context.Context, requestID, infoType string, success bool, data string) ([]models.PluginOutput, error) {
	if e.OnGroupInfoResponseFn != nil {
		return e.OnGroupInfoResponseFn(requestID, infoType, success, data)
	}
	return nil, nil
}
