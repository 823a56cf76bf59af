// Package main is the nbot entry point. nbot orchestrates multi-tenant
// chat bots: QQ accounts through NapCat side-car containers and Discord
// bots through direct gateway sessions, with a plugin pipeline and a
// multi-modal LLM analysis forwarder.
//
// Start the orchestrator:
//
//	nbot serve --config nbot.yaml
//
// Environment variables referenced as ${VAR} in the config file are
// expanded at load time. A .env file in the working directory is
// loaded first.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nbot-io/nbot/internal/commands"
	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/container"
	"github.com/nbot-io/nbot/internal/llm"
	"github.com/nbot-io/nbot/internal/llmforward"
	"github.com/nbot-io/nbot/internal/modules"
	"github.com/nbot-io/nbot/internal/monitor"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/plugins"
	"github.com/nbot-io/nbot/internal/render"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/internal/supervisor"
	"github.com/nbot-io/nbot/internal/web"
	"github.com/nbot-io/nbot/pkg/models"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "nbot",
		Short:         "Multi-tenant chat bot orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("NBOT_CONFIG"), "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nbot", version)
		},
	})
	return rootCmd
}

func runServe(configPath string) error {
	// A missing .env is fine; explicit config errors are not.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
		Output:         os.Stderr,
	})
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statePath := filepath.Join(cfg.Data.Dir, "state")

	store := state.NewStore()
	persister := state.NewPersister(statePath, logger)
	store.LoadBots(persister.LoadBots())
	store.SetPersistFunc(persister.SaveBots)
	store.LoadDatabases(persister.LoadDatabases())
	store.SetDatabasePersistFunc(persister.SaveDatabases)
	statsCron := store.Stats.StartDailyReset()
	defer statsCron.Stop()

	mods := modules.NewRegistry(statePath)
	cmds := commands.NewRegistry(statePath, logger)
	go func() {
		if err := cmds.Watch(ctx); err != nil {
			logger.Warn(ctx, "command config watcher stopped", "error", err)
		}
	}()

	plugReg := plugins.NewRegistry(cfg.Data.PluginsDir, logger)
	manager := plugins.NewManager(plugReg, staticEngineFactory, cfg.Data.Dir, logger)
	go manager.Run(ctx)
	for _, p := range plugReg.List() {
		if !p.Enabled {
			continue
		}
		if err := manager.Load(ctx, p.Manifest.ID); err != nil {
			logger.Warn(ctx, "plugin load failed", "plugin", p.Manifest.ID, "error", err)
		}
	}

	hub := runtime.NewHub(store, logger)
	hub.SetMetrics(metrics)

	gateway := llm.NewGateway(cfg.LLM, logger)
	gateway.SetMetrics(metrics)

	renderClient := render.NewClient(cfg.Render, logger)
	renderer := render.NewRenderer(renderClient, cfg.Data.AssetsDir, cfg.Render.TwemojiBaseURL)
	source := &pluginSource{registry: plugReg}
	helpRenderer := render.NewHelpRenderer(renderer, cmds, source, func() string {
		if mod, ok := mods.Get("command"); ok {
			if p, ok := mod.Config["prefix"].(string); ok && p != "" {
				return p
			}
		}
		return "/"
	})

	transcoder := llmforward.NewTranscoder(os.Getenv("NBOT_FFMPEG_BIN"), os.Getenv("NBOT_FFPROBE_BIN"), logger)
	forwarder := llmforward.NewForwarder(hub, store, mods, gateway, renderer, transcoder, logger)
	forwarder.SetMetrics(metrics)

	dispatcher := runtime.NewDispatcher(hub, store, mods, cmds, manager, source, helpRenderer, forwarder, gateway, logger)
	dispatcher.SetMetrics(metrics)

	var docker *container.Client
	if c := container.NewClient(cfg.Docker, logger); c.Available(ctx) {
		docker = c
	} else {
		logger.Warn(ctx, "docker unavailable, qq bot provisioning disabled")
	}

	if docker != nil {
		mon := monitor.New(store, docker, cfg.Docker, logger)
		go mon.RunLoginPoll(ctx)
		go mon.RunStatusSync(ctx)
	}

	sup := supervisor.New(store, hub, docker, cfg.Discord, dispatcher.HandleEvent, manager, logger)
	go sup.Run(ctx)

	token, err := apiToken(statePath)
	if err != nil {
		return err
	}
	srv := web.New(cfg.Server.Addr, token, store, mods, cmds, plugReg, manager, docker, metrics, logger)
	go srv.RunTaskPruner(ctx)

	logger.Info(ctx, "nbot started", "version", version, "bots", len(store.Bots()))
	return srv.Run(ctx)
}

// staticEngineFactory backs installed plugins with a pass-through
// engine. Script execution is delegated to external plugin processes;
// unhooked plugins simply allow everything.
func staticEngineFactory(ctx context.Context, plugin models.InstalledPlugin, dataDir string) (plugins.Engine, error) {
	return &plugins.StaticEngine{}, nil
}

// apiToken resolves the admin API bearer token: environment first,
// then the persisted token file, else a fresh token is generated and
// saved.
func apiToken(statePath string) (string, error) {
	if token := strings.TrimSpace(os.Getenv("NBOT_API_TOKEN")); token != "" {
		return token, nil
	}

	tokenPath := filepath.Join(statePath, "api_token.txt")
	if data, err := os.ReadFile(tokenPath); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	token := uuid.NewString()
	if err := os.MkdirAll(statePath, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", err
	}
	return token, nil
}

// pluginSource adapts the plugin registry to the command help surface.
type pluginSource struct {
	registry *plugins.Registry
}

func (s *pluginSource) PluginInfo(id string) (commands.PluginInfo, bool) {
	p, ok := s.registry.Get(id)
	if !ok {
		return commands.PluginInfo{}, false
	}
	return pluginInfoOf(p), true
}

func (s *pluginSource) EnabledPlugins() []commands.PluginInfo {
	var infos []commands.PluginInfo
	for _, p := range s.registry.List() {
		if p.Enabled {
			infos = append(infos, pluginInfoOf(p))
		}
	}
	return infos
}

func pluginInfoOf(p models.InstalledPlugin) commands.PluginInfo {
	return commands.PluginInfo{
		ID:          p.Manifest.ID,
		Name:        p.Manifest.Name,
		Description: p.Manifest.Description,
		Commands:    p.Manifest.Commands,
	}
}
