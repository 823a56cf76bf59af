package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
}

func writeManifest(t *testing.T, pluginsDir, id string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := map[string]any{
		"id":      id,
		"name":    id,
		"version": "1.0.0",
		"entry":   "index.js",
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))
}

// newTestManager builds a manager whose factory hands out the engines in
// the engines map, and starts its dispatcher.
func newTestManager(t *testing.T, engines map[string]Engine) (*Manager, *Registry) {
	t.Helper()
	pluginsDir := t.TempDir()
	for id := range engines {
		writeManifest(t, pluginsDir, id)
	}
	reg := NewRegistry(pluginsDir, testLogger())

	factory := func(_ context.Context, p models.InstalledPlugin, _ string) (Engine, error) {
		e, ok := engines[p.Manifest.ID]
		if !ok {
			return nil, errors.New("no engine")
		}
		return e, nil
	}
	m := NewManager(reg, factory, t.TempDir(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, reg
}

func reply(text string) []models.PluginOutput {
	return []models.PluginOutput{{Kind: models.OutputReply, Text: text}}
}

func TestPreMessageDenyShortCircuits(t *testing.T) {
	ctx := context.Background()
	var thirdRan bool
	engines := map[string]Engine{
		"alpha": &StaticEngine{PreMessageFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return true, reply("from alpha"), nil
		}},
		"beta": &StaticEngine{PreMessageFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return false, reply("blocked"), nil
		}},
		"gamma": &StaticEngine{PreMessageFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			thirdRan = true
			return true, nil, nil
		}},
	}
	m, _ := newTestManager(t, engines)
	for id := range engines {
		require.NoError(t, m.Load(ctx, id))
	}

	res, err := m.PreMessage(ctx, map[string]any{})
	require.NoError(t, err)
	require.False(t, res.Allow)
	require.Len(t, res.Outputs, 2)
	require.Equal(t, "alpha", res.Outputs[0].PluginID)
	require.Equal(t, "beta", res.Outputs[1].PluginID)
	require.False(t, thirdRan)
}

func TestPreCommandErrorDenies(t *testing.T) {
	ctx := context.Background()
	engines := map[string]Engine{
		"broken": &StaticEngine{PreCommandFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return true, nil, errors.New("boom")
		}},
	}
	m, _ := newTestManager(t, engines)
	require.NoError(t, m.Load(ctx, "broken"))

	res, err := m.PreCommand(ctx, map[string]any{})
	require.NoError(t, err)
	require.False(t, res.Allow)
}

func TestWhitelistRunsFirst(t *testing.T) {
	ctx := context.Background()
	var order []string
	mark := func(id string) func(map[string]any) (bool, []models.PluginOutput, error) {
		return func(map[string]any) (bool, []models.PluginOutput, error) {
			order = append(order, id)
			return true, nil, nil
		}
	}
	engines := map[string]Engine{
		"aaa":       &StaticEngine{PreMessageFn: mark("aaa")},
		"whitelist": &StaticEngine{PreMessageFn: mark("whitelist")},
	}
	m, _ := newTestManager(t, engines)
	require.NoError(t, m.Load(ctx, "aaa"))
	require.NoError(t, m.Load(ctx, "whitelist"))

	_, err := m.PreMessage(ctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, []string{"whitelist", "aaa"}, order)
}

func TestOnNoticeErrorSkipsPlugin(t *testing.T) {
	ctx := context.Background()
	engines := map[string]Engine{
		"broken": &StaticEngine{OnNoticeFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return true, nil, errors.New("boom")
		}},
		"healthy": &StaticEngine{OnNoticeFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return true, reply("seen"), nil
		}},
	}
	m, _ := newTestManager(t, engines)
	require.NoError(t, m.Load(ctx, "broken"))
	require.NoError(t, m.Load(ctx, "healthy"))

	res, err := m.OnNotice(ctx, map[string]any{})
	require.NoError(t, err)
	require.True(t, res.Allow)
	require.Len(t, res.Outputs, 1)
	require.Equal(t, "healthy", res.Outputs[0].PluginID)
}

func TestOnNoticeExplicitDenyStops(t *testing.T) {
	ctx := context.Background()
	var secondRan bool
	engines := map[string]Engine{
		"first": &StaticEngine{OnNoticeFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return false, nil, nil
		}},
		"second": &StaticEngine{OnNoticeFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			secondRan = true
			return true, nil, nil
		}},
	}
	m, _ := newTestManager(t, engines)
	require.NoError(t, m.Load(ctx, "first"))
	require.NoError(t, m.Load(ctx, "second"))

	res, err := m.OnNotice(ctx, map[string]any{})
	require.NoError(t, err)
	require.False(t, res.Allow)
	require.False(t, secondRan)
}

func TestOnMetaEventForTargetsOnePlugin(t *testing.T) {
	ctx := context.Background()
	var otherRan bool
	engines := map[string]Engine{
		"target": &StaticEngine{OnMetaEventFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			return true, reply("tick"), nil
		}},
		"other": &StaticEngine{OnMetaEventFn: func(map[string]any) (bool, []models.PluginOutput, error) {
			otherRan = true
			return true, nil, nil
		}},
	}
	m, _ := newTestManager(t, engines)
	require.NoError(t, m.Load(ctx, "target"))
	require.NoError(t, m.Load(ctx, "other"))

	outputs, err := m.OnMetaEventFor(ctx, "target", map[string]any{})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.False(t, otherRan)

	// Not loaded plugin is a silent no-op.
	outputs, err = m.OnMetaEventFor(ctx, "ghost", map[string]any{})
	require.NoError(t, err)
	require.Empty(t, outputs)
}

func TestOnCommandMissingPlugin(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, map[string]Engine{})
	_, err := m.OnCommand(ctx, "missing", map[string]any{})
	require.Error(t, err)
}

func TestUnloadClosesEngine(t *testing.T) {
	ctx := context.Background()
	var closed bool
	engines := map[string]Engine{
		"p": &StaticEngine{CloseFn: func() error { closed = true; return nil }},
	}
	m, _ := newTestManager(t, engines)
	require.NoError(t, m.Load(ctx, "p"))
	require.True(t, m.IsLoaded(ctx, "p"))

	require.NoError(t, m.Unload(ctx, "p"))
	require.True(t, closed)
	require.False(t, m.IsLoaded(ctx, "p"))
}

func TestRegistryEnabledStatePersists(t *testing.T) {
	pluginsDir := t.TempDir()
	writeManifest(t, pluginsDir, "keeper")

	reg := NewRegistry(pluginsDir, testLogger())
	require.NoError(t, reg.SetEnabled("keeper", true))

	reloaded := NewRegistry(pluginsDir, testLogger())
	p, ok := reloaded.Get("keeper")
	require.True(t, ok)
	require.True(t, p.Enabled)
}
