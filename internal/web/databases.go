package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nbot-io/nbot/internal/container"
	"github.com/nbot-io/nbot/pkg/models"
)

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Databases())
}

type createDatabaseRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	HostPort int    `json:"host_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if !readJSON(w, r, &req) {
		return
	}

	dbType := strings.ToLower(req.Type)
	if !container.SupportedDatabase(dbType) {
		http.Error(w, "type must be postgres, mysql or redis", http.StatusBadRequest)
		return
	}
	if req.HostPort <= 0 {
		http.Error(w, "host_port required", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = "db_" + uuid.NewString()[:8]
	}
	if _, exists := s.store.Database(id); exists {
		http.Error(w, "database id already exists", http.StatusConflict)
		return
	}

	db := models.DatabaseInstance{
		ID:        id,
		Name:      req.Name,
		Type:      dbType,
		HostPort:  req.HostPort,
		Username:  req.Username,
		Password:  req.Password,
		Database:  req.Database,
		CreatedAt: time.Now().Unix(),
	}
	switch dbType {
	case "postgres":
		if db.Username == "" {
			db.Username = "postgres"
		}
		if db.Database == "" {
			db.Database = "postgres"
		}
	case "mysql":
		if db.Username == "" {
			db.Username = "root"
		}
	}
	if dbType != "redis" && db.Password == "" {
		db.Password = uuid.NewString()
	}

	if s.docker != nil {
		containerID, err := s.docker.CreateDatabase(r.Context(), db)
		if err != nil {
			s.logger.Warn(r.Context(), "database container creation failed", "db_id", id, "error", err)
			http.Error(w, fmt.Sprintf("container creation failed: %v", err), http.StatusBadGateway)
			return
		}
		db.ContainerID = containerID
		db.IsRunning = true
	}

	s.store.PutDatabase(db)
	writeJSON(w, http.StatusCreated, db)
}

func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	db, ok := s.store.Database(r.PathValue("id"))
	if !ok {
		http.Error(w, "database not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	db, ok := s.store.Database(id)
	if !ok {
		http.Error(w, "database not found", http.StatusNotFound)
		return
	}

	if s.docker != nil && db.ContainerID != "" {
		if err := s.docker.RemoveDatabase(r.Context(), id); err != nil {
			s.logger.Warn(r.Context(), "database container removal failed", "db_id", id, "error", err)
		}
		if err := s.docker.VolumeRemove(r.Context(), container.DatabaseVolumeName(id)); err != nil {
			s.logger.Warn(r.Context(), "database volume removal failed", "db_id", id, "error", err)
		}
	}
	s.store.RemoveDatabase(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleStartDatabase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	db, ok := s.store.Database(id)
	if !ok {
		http.Error(w, "database not found", http.StatusNotFound)
		return
	}

	if s.docker != nil && db.ContainerID != "" {
		if err := s.docker.StartDatabase(r.Context(), id); err != nil {
			s.logger.Warn(r.Context(), "database container start failed", "db_id", id, "error", err)
			http.Error(w, fmt.Sprintf("container start failed: %v", err), http.StatusBadGateway)
			return
		}
	}
	s.store.UpdateDatabase(id, func(d *models.DatabaseInstance) bool {
		if d.IsRunning {
			return false
		}
		d.IsRunning = true
		return true
	})
	db, _ = s.store.Database(id)
	writeJSON(w, http.StatusOK, db)
}

func (s *Server) handleStopDatabase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	db, ok := s.store.Database(id)
	if !ok {
		http.Error(w, "database not found", http.StatusNotFound)
		return
	}

	if s.docker != nil && db.ContainerID != "" {
		if err := s.docker.StopDatabase(r.Context(), id); err != nil {
			s.logger.Warn(r.Context(), "database container stop failed", "db_id", id, "error", err)
		}
	}
	s.store.UpdateDatabase(id, func(d *models.DatabaseInstance) bool {
		if !d.IsRunning {
			return false
		}
		d.IsRunning = false
		return true
	})
	db, _ = s.store.Database(id)
	writeJSON(w, http.StatusOK, db)
}
