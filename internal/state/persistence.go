package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

const (
	botsFile      = "bots.json"
	databasesFile = "databases.json"
)

// Persister writes bot snapshots under <dataDir>/state/.
type Persister struct {
	dir    string
	logger *observability.Logger
}

// NewPersister creates a persister rooted at dataDir.
func NewPersister(dataDir string, logger *observability.Logger) *Persister {
	return &Persister{dir: filepath.Join(dataDir, "state"), logger: logger}
}

// SaveBots writes the bot list as pretty JSON. Failures are logged, not
// returned; the in-memory state stays authoritative.
func (p *Persister) SaveBots(bots []models.BotInstance) {
	ctx := context.Background()
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.logger.Warn(ctx, "failed to create state dir", "dir", p.dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(bots, "", "  ")
	if err != nil {
		p.logger.Warn(ctx, "failed to serialize bots", "error", err)
		return
	}
	path := filepath.Join(p.dir, botsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Warn(ctx, "failed to save bots", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		p.logger.Warn(ctx, "failed to save bots", "path", path, "error", err)
		return
	}
	p.logger.Info(ctx, "saved bots", "count", len(bots), "path", path)
}

// LoadBots reads the bot snapshot, returning an empty list when the file
// does not exist or cannot be parsed.
func (p *Persister) LoadBots() []models.BotInstance {
	ctx := context.Background()
	path := filepath.Join(p.dir, botsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn(ctx, "failed to read bots snapshot", "path", path, "error", err)
		}
		return nil
	}
	var bots []models.BotInstance
	if err := json.Unmarshal(data, &bots); err != nil {
		p.logger.Warn(ctx, "failed to parse bots snapshot", "path", path, "error", err)
		return nil
	}
	p.logger.Info(ctx, "loaded bots", "count", len(bots), "path", path)
	return bots
}

// SaveDatabases writes the database instance list as pretty JSON.
// Failures are logged, not returned.
func (p *Persister) SaveDatabases(dbs []models.DatabaseInstance) {
	ctx := context.Background()
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.logger.Warn(ctx, "failed to create state dir", "dir", p.dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(dbs, "", "  ")
	if err != nil {
		p.logger.Warn(ctx, "failed to serialize databases", "error", err)
		return
	}
	path := filepath.Join(p.dir, databasesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Warn(ctx, "failed to save databases", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		p.logger.Warn(ctx, "failed to save databases", "path", path, "error", err)
		return
	}
	p.logger.Info(ctx, "saved databases", "count", len(dbs), "path", path)
}

// LoadDatabases reads the database snapshot, returning an empty list
// when the file does not exist or cannot be parsed.
func (p *Persister) LoadDatabases() []models.DatabaseInstance {
	ctx := context.Background()
	path := filepath.Join(p.dir, databasesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn(ctx, "failed to read databases snapshot", "path", path, "error", err)
		}
		return nil
	}
	var dbs []models.DatabaseInstance
	if err := json.Unmarshal(data, &dbs); err != nil {
		p.logger.Warn(ctx, "failed to parse databases snapshot", "path", path, "error", err)
		return nil
	}
	p.logger.Info(ctx, "loaded databases", "count", len(dbs), "path", path)
	return dbs
}
