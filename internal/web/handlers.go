package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nbot-io/nbot/internal/container"
	"github.com/nbot-io/nbot/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Bots())
}

type createBotRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Platform     string `json:"platform"`
	WSHost       string `json:"ws_host"`
	WSPort       int    `json:"ws_port"`
	WSToken      string `json:"ws_token"`
	WebUIHost    string `json:"webui_host"`
	WebUIPort    int    `json:"webui_port"`
	WebUIToken   string `json:"webui_token"`
	QQID         string `json:"qq_id"`
	DiscordToken string `json:"discord_token"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !readJSON(w, r, &req) {
		return
	}

	platform := models.Platform(strings.ToLower(req.Platform))
	switch platform {
	case models.PlatformQQ, models.PlatformDiscord:
	default:
		http.Error(w, "platform must be qq or discord", http.StatusBadRequest)
		return
	}
	if platform == models.PlatformDiscord && req.DiscordToken == "" {
		http.Error(w, "discord bots require discord_token", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = string(platform) + "_" + uuid.NewString()[:8]
	}
	if _, exists := s.store.Bot(id); exists {
		http.Error(w, "bot id already exists", http.StatusConflict)
		return
	}

	bot := models.BotInstance{
		ID:           id,
		Name:         req.Name,
		Platform:     platform,
		WSHost:       req.WSHost,
		WSPort:       req.WSPort,
		WSToken:      req.WSToken,
		WebUIHost:    req.WebUIHost,
		WebUIPort:    req.WebUIPort,
		WebUIToken:   req.WebUIToken,
		QQID:         req.QQID,
		DiscordToken: strings.TrimPrefix(req.DiscordToken, "Bot "),
	}

	if platform == models.PlatformQQ && s.docker != nil {
		containerID, err := s.docker.CreateNapCat(r.Context(), bot)
		if err != nil {
			s.logger.Warn(r.Context(), "napcat container creation failed", "bot_id", id, "error", err)
			http.Error(w, fmt.Sprintf("container creation failed: %v", err), http.StatusBadGateway)
			return
		}
		bot.ContainerID = containerID
	}

	s.store.PutBot(bot)
	writeJSON(w, http.StatusCreated, bot)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.store.Bot(r.PathValue("id"))
	if !ok {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bot, ok := s.store.Bot(id)
	if !ok {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}

	s.store.UpdateBot(id, func(b *models.BotInstance) bool {
		if !b.IsRunning {
			return false
		}
		b.IsRunning = false
		return true
	})
	if bot.Platform == models.PlatformQQ && s.docker != nil && bot.ContainerID != "" {
		if err := s.docker.Remove(r.Context(), id); err != nil {
			s.logger.Warn(r.Context(), "container removal failed", "bot_id", id, "error", err)
		}
		if err := s.docker.VolumeRemove(r.Context(), container.DataVolumeName(id)); err != nil {
			s.logger.Warn(r.Context(), "volume removal failed", "bot_id", id, "error", err)
		}
	}
	s.store.RemoveBot(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bot, ok := s.store.Bot(id)
	if !ok {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}

	if bot.Platform == models.PlatformQQ && s.docker != nil && bot.ContainerID != "" {
		if err := s.docker.Start(r.Context(), id); err != nil {
			s.logger.Warn(r.Context(), "container start failed", "bot_id", id, "error", err)
		}
	}
	s.store.UpdateBot(id, func(b *models.BotInstance) bool {
		if b.IsRunning {
			return false
		}
		b.IsRunning = true
		return true
	})
	bot, _ = s.store.Bot(id)
	writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bot, ok := s.store.Bot(id)
	if !ok {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}

	s.store.UpdateBot(id, func(b *models.BotInstance) bool {
		if !b.IsRunning && !b.IsConnected {
			return false
		}
		b.IsRunning = false
		b.IsConnected = false
		return true
	})
	if bot.Platform == models.PlatformQQ && s.docker != nil && bot.ContainerID != "" {
		if err := s.docker.Stop(r.Context(), id); err != nil {
			s.logger.Warn(r.Context(), "container stop failed", "bot_id", id, "error", err)
		}
	}
	bot, _ = s.store.Bot(id)
	writeJSON(w, http.StatusOK, bot)
}

type moduleOverrideRequest struct {
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

func (s *Server) handleBotModuleOverride(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	moduleID := r.PathValue("module")
	if _, ok := s.modules.Get(moduleID); !ok {
		http.Error(w, "module not found", http.StatusNotFound)
		return
	}

	var req moduleOverrideRequest
	if !readJSON(w, r, &req) {
		return
	}

	updated := s.store.UpdateBot(id, func(b *models.BotInstance) bool {
		if b.ModulesConfig == nil {
			b.ModulesConfig = make(map[string]models.BotModuleConfig)
		}
		b.ModulesConfig[moduleID] = models.BotModuleConfig{
			Enabled: req.Enabled,
			Config:  req.Config,
		}
		return true
	})
	if !updated {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	bot, _ := s.store.Bot(id)
	writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	url, image := s.store.LatestQR()
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "image": image})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Tasks())
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Task(id); !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.store.RemoveTask(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.modules.List())
}

func (s *Server) handleUpdateModule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req moduleOverrideRequest
	if !readJSON(w, r, &req) {
		return
	}

	if req.Enabled != nil {
		if err := s.modules.SetEnabled(id, *req.Enabled); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	if req.Config != nil {
		if err := s.modules.UpdateConfig(id, req.Config); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	mod, _ := s.modules.Get(id)
	writeJSON(w, http.StatusOK, mod)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.List())
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if !readJSON(w, r, &cmd) {
		return
	}
	if cmd.Name == "" {
		http.Error(w, "command name required", http.StatusBadRequest)
		return
	}
	if cmd.ID == "" {
		cmd.ID = "custom_" + uuid.NewString()[:8]
	}
	cmd.IsBuiltin = false
	if cmd.Action.Kind == "" {
		cmd.Action.Kind = models.ActionCustom
	}
	if err := s.commands.Create(cmd); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.Delete(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": r.PathValue("id")})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plugins.List())
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.plugins.SetEnabled(id, true); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.manager.Load(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": id})
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.plugins.SetEnabled(id, false); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.manager.Unload(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disabled": id})
}
