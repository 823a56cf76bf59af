package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// MessageStats counts processed messages and API calls, with daily
// counters that reset at local midnight. A lazy date check covers the case
// where the scheduler misses a tick (process suspended over midnight).
type MessageStats struct {
	totalMessages atomic.Uint64
	totalCalls    atomic.Uint64
	todayMessages atomic.Uint64
	todayCalls    atomic.Uint64

	mu            sync.Mutex
	lastResetDate string
}

// NewMessageStats creates zeroed stats.
func NewMessageStats() *MessageStats {
	return &MessageStats{}
}

// checkReset clears the daily counters when the local date changed.
func (s *MessageStats) checkReset() {
	today := time.Now().Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResetDate != today {
		s.todayMessages.Store(0)
		s.todayCalls.Store(0)
		s.lastResetDate = today
	}
}

// IncMessage records one processed message.
func (s *MessageStats) IncMessage() {
	s.checkReset()
	s.totalMessages.Add(1)
	s.todayMessages.Add(1)
}

// IncCall records one outbound API call.
func (s *MessageStats) IncCall() {
	s.checkReset()
	s.totalCalls.Add(1)
	s.todayCalls.Add(1)
}

// Snapshot returns the current counter values.
func (s *MessageStats) Snapshot() (totalMessages, totalCalls, todayMessages, todayCalls uint64) {
	s.checkReset()
	return s.totalMessages.Load(), s.totalCalls.Load(), s.todayMessages.Load(), s.todayCalls.Load()
}

// StartDailyReset schedules the midnight reset. The returned cron runner is
// already started; stop it on shutdown.
func (s *MessageStats) StartDailyReset() *cron.Cron {
	c := cron.New()
	_, _ = c.AddFunc("0 0 * * *", s.checkReset)
	c.Start()
	return c
}
