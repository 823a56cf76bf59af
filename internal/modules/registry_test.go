package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/pkg/models"
)

type fakeBots map[string]models.BotInstance

func (f fakeBots) Bot(id string) (models.BotInstance, bool) {
	b, ok := f[id]
	return b, ok
}

func TestMergeJSONDeep(t *testing.T) {
	base := map[string]any{
		"prefix": "/",
		"limits": map[string]any{"enabled": true, "max_concurrent_global": 2.0},
	}
	overlay := map[string]any{
		"limits": map[string]any{"max_concurrent_global": 4.0},
	}

	merged := MergeJSON(base, overlay)
	require.Equal(t, "/", merged["prefix"])
	limits := merged["limits"].(map[string]any)
	require.Equal(t, true, limits["enabled"])
	require.Equal(t, 4.0, limits["max_concurrent_global"])

	// Base must not be mutated.
	require.Equal(t, 2.0, base["limits"].(map[string]any)["max_concurrent_global"])
}

func TestEffectiveAppliesBotOverrides(t *testing.T) {
	r := NewRegistry(t.TempDir())

	enabled := true
	bots := fakeBots{
		"qq_1": {
			ID: "qq_1",
			ModulesConfig: map[string]models.BotModuleConfig{
				"llm": {
					Enabled: &enabled,
					Config:  map[string]any{"default_model": "fast"},
				},
			},
		},
	}

	m, ok := r.Effective(bots, "qq_1", "llm")
	require.True(t, ok)
	require.True(t, m.Enabled)
	require.Equal(t, "fast", m.Config["default_model"])

	// Unknown bot falls back to the global definition.
	m, ok = r.Effective(bots, "missing", "llm")
	require.True(t, ok)
	require.False(t, m.Enabled)
	require.Equal(t, "default", m.Config["default_model"])
}

func TestIsEnabledUnknownModule(t *testing.T) {
	r := NewRegistry(t.TempDir())
	require.False(t, r.IsEnabled(fakeBots{}, "qq_1", "no_such_module"))
	require.True(t, r.IsEnabled(fakeBots{}, "qq_1", "command"))
}

func TestUpdateConfigPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	require.NoError(t, r.UpdateConfig("llm", map[string]any{"default_model": "slow"}))

	reloaded := NewRegistry(dir)
	m, ok := reloaded.Get("llm")
	require.True(t, ok)
	require.Equal(t, "slow", m.Config["default_model"])
}

func TestUpdateConfigRevertsOnPersistFailure(t *testing.T) {
	// A regular file where the data directory should be makes every
	// write fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	r := NewRegistry(filepath.Join(blocker, "data"))

	before, ok := r.Get("llm")
	require.True(t, ok)

	err := r.UpdateConfig("llm", map[string]any{"default_model": "other"})
	require.Error(t, err)

	after, ok := r.Get("llm")
	require.True(t, ok)
	require.Equal(t, before.Config["default_model"], after.Config["default_model"])
}
