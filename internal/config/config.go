// Package config loads and validates the orchestrator configuration.
//
// Configuration is a single YAML document with environment variable
// expansion. Every section has a Validate method that applies defaults, so
// an empty file is a valid configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Docker  DockerConfig  `yaml:"docker"`
	Render  RenderConfig  `yaml:"render"`
	Discord DiscordConfig `yaml:"discord"`
	LLM     LLMConfig     `yaml:"llm"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// Validate applies logging defaults.
func (c *LoggingConfig) Validate() error {
	if c.Level == "" {
		c.Level = "info"
	}
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Level)
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("logging.format: must be json or text, got %q", c.Format)
	}
	return nil
}

// ServerConfig configures the admin HTTP listener (metrics, tasks, QR).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Validate applies server defaults.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8900"
	}
	return nil
}

// DataConfig locates persisted state and plugin installations.
type DataConfig struct {
	Dir        string `yaml:"dir"`
	PluginsDir string `yaml:"plugins_dir"`
	AssetsDir  string `yaml:"assets_dir"`
}

// Validate applies data path defaults.
func (c *DataConfig) Validate() error {
	if c.Dir == "" {
		c.Dir = "data"
	}
	if c.PluginsDir == "" {
		c.PluginsDir = c.Dir + "/plugins"
	}
	if c.AssetsDir == "" {
		c.AssetsDir = "assets"
	}
	return nil
}

// DockerConfig configures the NapCat side-car management.
type DockerConfig struct {
	// Binary is the docker CLI executable.
	Binary string `yaml:"binary"`
	// Image is the NapCat image used for new QQ bot containers.
	Image string `yaml:"image"`
	// StatusSyncInterval is the container state poll period.
	StatusSyncInterval time.Duration `yaml:"status_sync_interval"`
	// LoginPollInterval is the WebUI login status poll period.
	LoginPollInterval time.Duration `yaml:"login_poll_interval"`
}

// Validate applies docker defaults.
func (c *DockerConfig) Validate() error {
	if c.Binary == "" {
		c.Binary = "docker"
	}
	if c.Image == "" {
		c.Image = "mlikiowa/napcat-docker:latest"
	}
	if c.StatusSyncInterval <= 0 {
		c.StatusSyncInterval = 2 * time.Second
	}
	if c.LoginPollInterval <= 0 {
		c.LoginPollInterval = 3 * time.Second
	}
	return nil
}

// RenderConfig configures the HTML-to-image side-car and emoji handling.
type RenderConfig struct {
	// ServiceURL is the wkhtmltoimage render service base URL.
	ServiceURL string `yaml:"service_url"`
	// Timeout bounds a single render call.
	Timeout time.Duration `yaml:"timeout"`
	// TwemojiBaseURL serves Twemoji SVGs; empty or "off" disables emoji
	// image substitution.
	TwemojiBaseURL string `yaml:"twemoji_base_url"`
}

// Validate applies render defaults.
func (c *RenderConfig) Validate() error {
	if c.ServiceURL == "" {
		c.ServiceURL = "http://localhost:32180"
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	return nil
}

// DiscordConfig configures gateway and REST access.
type DiscordConfig struct {
	APIBase    string `yaml:"api_base"`
	GatewayURL string `yaml:"gateway_url"`
	UserAgent  string `yaml:"user_agent"`
}

// Validate applies Discord defaults.
func (c *DiscordConfig) Validate() error {
	if c.APIBase == "" {
		c.APIBase = "https://discord.com/api/v10"
	}
	if c.GatewayURL == "" {
		c.GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	if c.UserAgent == "" {
		c.UserAgent = "nBot (https://github.com/nbot-io/nbot, 1.0)"
	}
	return nil
}

// LLMProfile is one named upstream model configuration.
type LLMProfile struct {
	Name            string `yaml:"name"`
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	MaxRequestBytes int    `yaml:"max_request_bytes"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Validate applies profile defaults.
func (p *LLMProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("llm.profiles: name is required")
	}
	if p.Model == "" {
		return fmt.Errorf("llm.profiles[%s]: model is required", p.Name)
	}
	if p.MaxRequestBytes <= 0 {
		p.MaxRequestBytes = 9 << 20
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 300
	}
	return nil
}

// LLMConfig configures the forwarding pipeline's upstreams.
type LLMConfig struct {
	// DefaultProfile is used when a module config names no profile.
	DefaultProfile string `yaml:"default_profile"`
	// SearchProfile serves search-grounded completions. Deployments
	// point it at an upstream with retrieval enabled; empty falls back
	// to the default profile.
	SearchProfile string       `yaml:"search_profile"`
	Profiles      []LLMProfile `yaml:"profiles"`
}

// Validate applies LLM defaults and checks profile references.
func (c *LLMConfig) Validate() error {
	seen := map[string]bool{}
	for i := range c.Profiles {
		if err := c.Profiles[i].Validate(); err != nil {
			return err
		}
		if seen[c.Profiles[i].Name] {
			return fmt.Errorf("llm.profiles: duplicate profile %q", c.Profiles[i].Name)
		}
		seen[c.Profiles[i].Name] = true
	}
	if c.DefaultProfile == "" && len(c.Profiles) > 0 {
		c.DefaultProfile = c.Profiles[0].Name
	}
	if c.DefaultProfile != "" && len(c.Profiles) > 0 && !seen[c.DefaultProfile] {
		return fmt.Errorf("llm.default_profile: unknown profile %q", c.DefaultProfile)
	}
	if c.SearchProfile != "" && !seen[c.SearchProfile] {
		return fmt.Errorf("llm.search_profile: unknown profile %q", c.SearchProfile)
	}
	return nil
}

// Profile returns the named profile, falling back to the default.
func (c *LLMConfig) Profile(name string) (LLMProfile, bool) {
	if name == "" {
		name = c.DefaultProfile
	}
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return LLMProfile{}, false
}

// Validate checks the whole document and applies defaults section by
// section.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Docker.Validate(); err != nil {
		return err
	}
	if err := c.Render.Validate(); err != nil {
		return err
	}
	if err := c.Discord.Validate(); err != nil {
		return err
	}
	return c.LLM.Validate()
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}
