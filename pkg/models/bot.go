package models

// Platform identifies the chat platform a bot instance speaks.
type Platform string

const (
	PlatformQQ      Platform = "qq"
	PlatformDiscord Platform = "discord"
)

// BotInstance is the persisted description of a managed bot.
// QQ bots run against a NapCat side-car container; Discord bots hold a
// direct gateway session.
type BotInstance struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	IsConnected bool     `json:"is_connected"`
	IsRunning   bool     `json:"is_running"`

	ContainerID string `json:"container_id,omitempty"`
	WSHost      string `json:"ws_host,omitempty"`
	WSPort      int    `json:"ws_port,omitempty"`
	WSToken     string `json:"ws_token,omitempty"`

	WebUIHost  string `json:"webui_host,omitempty"`
	WebUIPort  int    `json:"webui_port,omitempty"`
	WebUIToken string `json:"webui_token,omitempty"`

	// QQID is the account number once known (READY / get_login_info).
	QQID string `json:"qq_id,omitempty"`

	// DiscordToken is the bot token for Discord instances. A leading
	// "Bot " prefix is tolerated and stripped before use.
	DiscordToken string `json:"discord_token,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// ModulesConfig holds per-bot overrides applied on top of the global
	// module registry.
	ModulesConfig map[string]BotModuleConfig `json:"modules_config,omitempty"`
}

// BotModuleConfig overrides a module for a single bot.
type BotModuleConfig struct {
	Enabled *bool          `json:"enabled,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Privileged reports whether a group role can speak during whole-group mute.
func PrivilegedRole(role string) bool {
	return role == "owner" || role == "admin"
}
