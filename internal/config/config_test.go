package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()

	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "data", cfg.Data.Dir)
	require.Equal(t, "data/plugins", cfg.Data.PluginsDir)
	require.Equal(t, 2*time.Second, cfg.Docker.StatusSyncInterval)
	require.Equal(t, "https://discord.com/api/v10", cfg.Discord.APIBase)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_RENDER_URL", "http://render:9999")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "render:\n  service_url: ${TEST_RENDER_URL}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://render:9999", cfg.Render.ServiceURL)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_section:\n  a: 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLLMProfileResolution(t *testing.T) {
	cfg := LLMConfig{
		Profiles: []LLMProfile{
			{Name: "fast", Model: "gpt-4o-mini"},
			{Name: "strong", Model: "gpt-4o"},
		},
	}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "fast", cfg.DefaultProfile)

	p, ok := cfg.Profile("")
	require.True(t, ok)
	require.Equal(t, "fast", p.Name)
	require.Equal(t, 9<<20, p.MaxRequestBytes)

	p, ok = cfg.Profile("strong")
	require.True(t, ok)
	require.Equal(t, "gpt-4o", p.Model)

	_, ok = cfg.Profile("missing")
	require.False(t, ok)
}

func TestLLMDuplicateProfileRejected(t *testing.T) {
	cfg := LLMConfig{
		Profiles: []LLMProfile{
			{Name: "a", Model: "m"},
			{Name: "a", Model: "m2"},
		},
	}
	require.Error(t, cfg.Validate())
}
