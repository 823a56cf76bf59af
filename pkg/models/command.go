package models

// CommandActionKind tags the action taken when a command matches.
type CommandActionKind string

const (
	ActionHelp   CommandActionKind = "help"
	ActionPlugin CommandActionKind = "plugin"
	ActionCustom CommandActionKind = "custom"
)

// CommandAction describes what a command does. PluginID is set for
// ActionPlugin; Custom carries a plugin-provided action name.
type CommandAction struct {
	Kind     CommandActionKind `json:"kind"`
	PluginID string            `json:"plugin_id,omitempty"`
	Custom   string            `json:"custom,omitempty"`
}

// CommandParam documents one parameter of a command.
type CommandParam struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	ParamType   string `json:"param_type,omitempty"` // string, number, user, group
}

// Command is a dispatchable chat command.
type Command struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"` // without prefix
	Aliases     []string       `json:"aliases,omitempty"`
	Pattern     string         `json:"pattern,omitempty"` // optional custom regex
	Description string         `json:"description"`
	IsBuiltin   bool           `json:"is_builtin"`
	Action      CommandAction  `json:"action"`
	Params      []CommandParam `json:"params,omitempty"`
	Category    string         `json:"category,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Priority ranks commands for dedup in help output. Builtins win over
// plugin commands, plugin commands over custom ones.
func (c Command) Priority() int {
	if c.IsBuiltin || c.Action.Kind == ActionHelp {
		return 3
	}
	switch c.Action.Kind {
	case ActionPlugin:
		return 2
	case ActionCustom:
		return 1
	default:
		return 0
	}
}
