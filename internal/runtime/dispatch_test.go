package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/commands"
	"github.com/nbot-io/nbot/internal/modules"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/plugins"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

// newTestDispatcher wires a dispatcher around a fake connection and
// static plugin engines.
func newTestDispatcher(t *testing.T, engines map[string]plugins.Engine) (*Dispatcher, *fakeConn, *modules.Registry) {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	store := state.NewStore()
	hub := NewHub(store, logger)
	conn := &fakeConn{botID: "qq_1"}
	hub.Register(conn)

	pluginsDir := t.TempDir()
	for id := range engines {
		dir := filepath.Join(pluginsDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		manifest := fmt.Sprintf(`{"id":%q,"name":%q,"version":"1.0.0","entry":"index.js"}`, id, id)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	}
	reg := plugins.NewRegistry(pluginsDir, logger)
	factory := func(_ context.Context, p models.InstalledPlugin, _ string) (plugins.Engine, error) {
		return engines[p.Manifest.ID], nil
	}
	mgr := plugins.NewManager(reg, factory, t.TempDir(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)
	for id := range engines {
		require.NoError(t, mgr.Load(ctx, id))
	}

	mods := modules.NewRegistry(t.TempDir())
	cmds := commands.NewRegistry(t.TempDir(), logger)
	d := NewDispatcher(hub, store, mods, cmds, mgr, nil, nil, nil, nil, logger)
	return d, conn, mods
}

func TestGroupInfoFetchFamilyRoutesActions(t *testing.T) {
	type answer struct {
		infoType string
		success  bool
		data     string
	}
	got := make(chan answer, 1)
	engines := map[string]plugins.Engine{
		"p": &plugins.StaticEngine{
			OnGroupInfoResponseFn: func(requestID, infoType string, success bool, data string) ([]models.PluginOutput, error) {
				got <- answer{infoType: infoType, success: success, data: data}
				return nil, nil
			},
		},
	}
	d, conn, _ := newTestDispatcher(t, engines)
	conn.respond = func(action string, _ map[string]any) (json.RawMessage, error) {
		require.Equal(t, "get_friend_list", action)
		return json.RawMessage(`[{"user_id":1}]`), nil
	}

	d.applyOutputs(context.Background(), "qq_1", groupEvent(42, 7), []models.PluginOutputWithSource{
		{PluginID: "p", Output: models.PluginOutput{
			Kind: models.OutputGroupInfoReq, InfoType: "friend_list", RequestID: "r1",
		}},
	})

	select {
	case a := <-got:
		require.Equal(t, "friend_list", a.infoType)
		require.True(t, a.success)
		require.Contains(t, a.data, "user_id")
	case <-time.After(3 * time.Second):
		t.Fatal("friend list response never reached the plugin")
	}
}

func TestDownloadFileOutputReportsBack(t *testing.T) {
	got := make(chan string, 1)
	engines := map[string]plugins.Engine{
		"p": &plugins.StaticEngine{
			OnGroupInfoResponseFn: func(requestID, infoType string, success bool, data string) ([]models.PluginOutput, error) {
				got <- infoType
				return nil, nil
			},
		},
	}
	d, conn, _ := newTestDispatcher(t, engines)
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		require.Equal(t, "download_file", action)
		require.Equal(t, "http://files.example/report.bin", params["url"])
		return json.RawMessage(`{"file":"/tmp/report.bin"}`), nil
	}

	d.applyOutputs(context.Background(), "qq_1", groupEvent(42, 7), []models.PluginOutputWithSource{
		{PluginID: "p", Output: models.PluginOutput{
			Kind: models.OutputDownloadFile, URL: "http://files.example/report.bin", RequestID: "r2",
		}},
	})

	select {
	case infoType := <-got:
		require.Equal(t, "download_file", infoType)
	case <-time.After(3 * time.Second):
		t.Fatal("download result never reached the plugin")
	}
}

func TestUpdateConfigOutputMergesModuleConfig(t *testing.T) {
	d, _, mods := newTestDispatcher(t, map[string]plugins.Engine{})

	d.applyOutputs(context.Background(), "qq_1", groupEvent(42, 7), []models.PluginOutputWithSource{
		{PluginID: "p", Output: models.PluginOutput{
			Kind:     models.OutputUpdateConfig,
			ModuleID: "llm",
			Config:   map[string]any{"default_model": "fast"},
		}},
	})

	m, ok := mods.Get("llm")
	require.True(t, ok)
	require.Equal(t, "fast", m.Config["default_model"])
	// Untouched keys survive the merge.
	require.Contains(t, m.Config, "limits")
}
