// Package web serves the admin API: bot lifecycle, module and command
// configuration, plugin management, background tasks, and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbot-io/nbot/internal/commands"
	"github.com/nbot-io/nbot/internal/container"
	"github.com/nbot-io/nbot/internal/modules"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/plugins"
	"github.com/nbot-io/nbot/internal/state"
)

const (
	// taskPruneInterval is how often finished tasks are swept.
	taskPruneInterval = time.Hour
	// taskMaxAge is how long finished tasks are kept.
	taskMaxAge = 24 * time.Hour
)

// Server is the admin HTTP surface.
type Server struct {
	addr     string
	token    string
	store    *state.Store
	modules  *modules.Registry
	commands *commands.Registry
	plugins  *plugins.Registry
	manager  *plugins.Manager
	docker   *container.Client
	metrics  *observability.Metrics
	logger   *observability.Logger

	http *http.Server
}

// New creates the admin server. token empty disables authentication;
// docker nil disables QQ bot provisioning.
func New(
	addr, token string,
	store *state.Store,
	mods *modules.Registry,
	cmds *commands.Registry,
	plugReg *plugins.Registry,
	manager *plugins.Manager,
	docker *container.Client,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Server {
	return &Server{
		addr:     addr,
		token:    token,
		store:    store,
		modules:  mods,
		commands: cmds,
		plugins:  plugReg,
		manager:  manager,
		docker:   docker,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/bots", s.handleListBots)
	api.HandleFunc("POST /api/bots", s.handleCreateBot)
	api.HandleFunc("GET /api/bots/{id}", s.handleGetBot)
	api.HandleFunc("DELETE /api/bots/{id}", s.handleDeleteBot)
	api.HandleFunc("POST /api/bots/{id}/start", s.handleStartBot)
	api.HandleFunc("POST /api/bots/{id}/stop", s.handleStopBot)
	api.HandleFunc("PUT /api/bots/{id}/modules/{module}", s.handleBotModuleOverride)
	api.HandleFunc("GET /api/qr", s.handleQR)

	api.HandleFunc("GET /api/databases", s.handleListDatabases)
	api.HandleFunc("POST /api/databases", s.handleCreateDatabase)
	api.HandleFunc("GET /api/databases/{id}", s.handleGetDatabase)
	api.HandleFunc("DELETE /api/databases/{id}", s.handleDeleteDatabase)
	api.HandleFunc("POST /api/databases/{id}/start", s.handleStartDatabase)
	api.HandleFunc("POST /api/databases/{id}/stop", s.handleStopDatabase)

	api.HandleFunc("GET /api/tasks", s.handleListTasks)
	api.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)

	api.HandleFunc("GET /api/modules", s.handleListModules)
	api.HandleFunc("PUT /api/modules/{id}", s.handleUpdateModule)

	api.HandleFunc("GET /api/commands", s.handleListCommands)
	api.HandleFunc("POST /api/commands", s.handleCreateCommand)
	api.HandleFunc("DELETE /api/commands/{id}", s.handleDeleteCommand)

	api.HandleFunc("GET /api/plugins", s.handleListPlugins)
	api.HandleFunc("POST /api/plugins/{id}/enable", s.handleEnablePlugin)
	api.HandleFunc("POST /api/plugins/{id}/disable", s.handleDisablePlugin)

	mux.Handle("/api/", s.withAuth(s.withRequestMetrics(api)))
	return mux
}

// withAuth requires the configured bearer token on every API call.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info(ctx, "admin api listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// RunTaskPruner sweeps finished background tasks until the context
// ends.
func (s *Server) RunTaskPruner(ctx context.Context) {
	ticker := time.NewTicker(taskPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.PruneTasks(taskMaxAge); n > 0 {
				s.logger.Debug(ctx, "pruned background tasks", "count", n)
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
