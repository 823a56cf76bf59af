// Package state holds the in-memory application state and its JSON
// snapshot persistence.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/nbot-io/nbot/pkg/models"
)

// Store is the shared application state. All maps are guarded by their own
// mutex so hot paths do not contend with each other.
type Store struct {
	mu   sync.RWMutex
	bots map[string]models.BotInstance

	dbMu      sync.RWMutex
	databases map[string]models.DatabaseInstance

	tasksMu sync.RWMutex
	tasks   map[string]models.BackgroundTask

	qrMu          sync.RWMutex
	latestQR      string
	latestQRImage string

	Stats *MessageStats

	// persist is called after bot mutations; wired to the snapshot writer.
	persist func([]models.BotInstance)

	// persistDatabases is the equivalent writer for database instances.
	persistDatabases func([]models.DatabaseInstance)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		bots:      make(map[string]models.BotInstance),
		databases: make(map[string]models.DatabaseInstance),
		tasks:     make(map[string]models.BackgroundTask),
		Stats:     NewMessageStats(),
	}
}

// SetPersistFunc installs the snapshot writer invoked after bot changes.
func (s *Store) SetPersistFunc(fn func([]models.BotInstance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = fn
}

// Bot returns a copy of the bot with the given id.
func (s *Store) Bot(id string) (models.BotInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[id]
	return bot, ok
}

// Bots returns a copy of all bots sorted by id.
func (s *Store) Bots() []models.BotInstance {
	s.mu.RLock()
	out := make([]models.BotInstance, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutBot inserts or replaces a bot and persists the snapshot.
func (s *Store) PutBot(bot models.BotInstance) {
	s.mu.Lock()
	s.bots[bot.ID] = bot
	persist := s.persist
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	if persist != nil {
		persist(snapshot)
	}
}

// RemoveBot deletes a bot and persists the snapshot.
func (s *Store) RemoveBot(id string) {
	s.mu.Lock()
	delete(s.bots, id)
	persist := s.persist
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	if persist != nil {
		persist(snapshot)
	}
}

// UpdateBot applies fn to the stored bot. Persistence happens only when fn
// returns true, so cheap no-op updates skip the disk write.
func (s *Store) UpdateBot(id string, fn func(*models.BotInstance) bool) bool {
	s.mu.Lock()
	bot, ok := s.bots[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := fn(&bot)
	if changed {
		s.bots[id] = bot
	}
	persist := s.persist
	var snapshot []models.BotInstance
	if changed && persist != nil {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()
	if changed && persist != nil {
		persist(snapshot)
	}
	return changed
}

// SetConnected flips is_connected, persisting only on change.
func (s *Store) SetConnected(id string, connected bool) {
	s.UpdateBot(id, func(b *models.BotInstance) bool {
		if b.IsConnected == connected {
			return false
		}
		b.IsConnected = connected
		return true
	})
}

// LoadBots replaces the bot map without triggering persistence. Used at
// startup when reading the snapshot back in.
func (s *Store) LoadBots(bots []models.BotInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots = make(map[string]models.BotInstance, len(bots))
	for _, b := range bots {
		s.bots[b.ID] = b
	}
}

func (s *Store) snapshotLocked() []models.BotInstance {
	out := make([]models.BotInstance, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDatabasePersistFunc installs the snapshot writer invoked after
// database changes.
func (s *Store) SetDatabasePersistFunc(fn func([]models.DatabaseInstance)) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	s.persistDatabases = fn
}

// Database returns a copy of the database instance with the given id.
func (s *Store) Database(id string) (models.DatabaseInstance, bool) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	db, ok := s.databases[id]
	return db, ok
}

// Databases returns a copy of all database instances sorted by id.
func (s *Store) Databases() []models.DatabaseInstance {
	s.dbMu.RLock()
	out := make([]models.DatabaseInstance, 0, len(s.databases))
	for _, d := range s.databases {
		out = append(out, d)
	}
	s.dbMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutDatabase inserts or replaces a database instance and persists the
// snapshot.
func (s *Store) PutDatabase(db models.DatabaseInstance) {
	s.dbMu.Lock()
	s.databases[db.ID] = db
	persist := s.persistDatabases
	snapshot := s.databaseSnapshotLocked()
	s.dbMu.Unlock()
	if persist != nil {
		persist(snapshot)
	}
}

// RemoveDatabase deletes a database instance and persists the snapshot.
func (s *Store) RemoveDatabase(id string) {
	s.dbMu.Lock()
	delete(s.databases, id)
	persist := s.persistDatabases
	snapshot := s.databaseSnapshotLocked()
	s.dbMu.Unlock()
	if persist != nil {
		persist(snapshot)
	}
}

// UpdateDatabase applies fn to the stored instance. Persistence happens
// only when fn returns true.
func (s *Store) UpdateDatabase(id string, fn func(*models.DatabaseInstance) bool) bool {
	s.dbMu.Lock()
	db, ok := s.databases[id]
	if !ok {
		s.dbMu.Unlock()
		return false
	}
	changed := fn(&db)
	if changed {
		s.databases[id] = db
	}
	persist := s.persistDatabases
	var snapshot []models.DatabaseInstance
	if changed && persist != nil {
		snapshot = s.databaseSnapshotLocked()
	}
	s.dbMu.Unlock()
	if changed && persist != nil {
		persist(snapshot)
	}
	return changed
}

// LoadDatabases replaces the database map without triggering
// persistence. Used at startup when reading the snapshot back in.
func (s *Store) LoadDatabases(dbs []models.DatabaseInstance) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	s.databases = make(map[string]models.DatabaseInstance, len(dbs))
	for _, d := range dbs {
		s.databases[d.ID] = d
	}
}

func (s *Store) databaseSnapshotLocked() []models.DatabaseInstance {
	out := make([]models.DatabaseInstance, 0, len(s.databases))
	for _, d := range s.databases {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns a copy of the task with the given id.
func (s *Store) Task(id string) (models.BackgroundTask, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	task, ok := s.tasks[id]
	return task, ok
}

// Tasks returns all tasks sorted by most recently updated.
func (s *Store) Tasks() []models.BackgroundTask {
	s.tasksMu.RLock()
	out := make([]models.BackgroundTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.tasksMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// PutTask inserts or replaces a task, stamping UpdatedAt.
func (s *Store) PutTask(task models.BackgroundTask) {
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasksMu.Lock()
	s.tasks[task.ID] = task
	s.tasksMu.Unlock()
}

// UpdateTask applies fn to the stored task and stamps UpdatedAt.
func (s *Store) UpdateTask(id string, fn func(*models.BackgroundTask)) bool {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	fn(&task)
	task.UpdatedAt = time.Now().Unix()
	s.tasks[id] = task
	return true
}

// RemoveTask deletes a task.
func (s *Store) RemoveTask(id string) {
	s.tasksMu.Lock()
	delete(s.tasks, id)
	s.tasksMu.Unlock()
}

// PruneTasks removes finished tasks older than maxAge and returns the
// number removed.
func (s *Store) PruneTasks(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).Unix()
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	removed := 0
	for id, t := range s.tasks {
		if t.State != models.TaskRunning && t.UpdatedAt < cutoff {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// SetLatestQR stores the current login QR URL and rendered image data URL.
// Empty values clear the QR.
func (s *Store) SetLatestQR(url, imageDataURL string) {
	s.qrMu.Lock()
	s.latestQR = url
	s.latestQRImage = imageDataURL
	s.qrMu.Unlock()
}

// LatestQR returns the current login QR URL and image data URL.
func (s *Store) LatestQR() (url, imageDataURL string) {
	s.qrMu.RLock()
	defer s.qrMu.RUnlock()
	return s.latestQR, s.latestQRImage
}
