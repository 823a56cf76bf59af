package llmforward

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// AbuseConfig limits concurrent analysis work. Values come from the
// effective llm module's "limits" config.
type AbuseConfig struct {
	Enabled             bool
	MaxConcurrentGlobal int
	PerUser             int
	PerGroup            int
	MinInterval         time.Duration
}

// DefaultAbuseConfig is used when the module config has no limits.
func DefaultAbuseConfig() AbuseConfig {
	return AbuseConfig{
		Enabled:             true,
		MaxConcurrentGlobal: 2,
		PerUser:             1,
		PerGroup:            1,
		MinInterval:         10 * time.Second,
	}
}

// AbuseConfigFromModule parses the limits block of an llm module
// config, clamping every field to its sane range.
func AbuseConfigFromModule(config map[string]any) AbuseConfig {
	cfg := DefaultAbuseConfig()
	limits, ok := config["limits"].(map[string]any)
	if !ok {
		return cfg
	}
	if v, ok := limits["enabled"].(bool); ok {
		cfg.Enabled = v
	}
	if v, ok := numberField(limits, "max_concurrent_global"); ok {
		cfg.MaxConcurrentGlobal = clampInt(v, 1, 64)
	}
	if v, ok := numberField(limits, "per_user"); ok {
		cfg.PerUser = clampInt(v, 1, 16)
	}
	if v, ok := numberField(limits, "per_group"); ok {
		cfg.PerGroup = clampInt(v, 1, 16)
	}
	if v, ok := numberField(limits, "min_interval_secs"); ok {
		cfg.MinInterval = time.Duration(clampInt(v, 0, 3600)) * time.Second
	}
	return cfg
}

func numberField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Gate rejection messages shown to users.
const (
	msgGlobalBusy  = "当前分析请求过多，请稍后再试"
	msgUserBusy    = "你有一个正在进行的分析任务，请等待完成后再试"
	msgGroupBusy   = "当前群内已有分析任务在进行，请稍后再试"
	msgTooFrequent = "请求过于频繁，请 %d 秒后再试"
)

// AbuseGate enforces the concurrency and pacing limits without a lock.
// Acquire takes the global, per-user, and per-group slots in order with
// atomic increments, rolling back on any failure so a rejected request
// holds nothing. The per-user last-start timestamp advances by
// compare-exchange so concurrent acquisitions cannot both slip past the
// pacing window.
type AbuseGate struct {
	cfg      atomic.Pointer[AbuseConfig]
	global   atomic.Int64
	byUser   sync.Map // user id -> *atomic.Int64 in-flight count
	byGroup  sync.Map // group id -> *atomic.Int64 in-flight count
	lastUser sync.Map // user id -> *atomic.Int64 unix nanos of last start
	now      func() time.Time
}

// NewAbuseGate creates a gate with the given limits.
func NewAbuseGate(cfg AbuseConfig) *AbuseGate {
	g := &AbuseGate{now: time.Now}
	g.cfg.Store(&cfg)
	return g
}

// SetConfig swaps the limits for subsequent acquisitions.
func (g *AbuseGate) SetConfig(cfg AbuseConfig) {
	g.cfg.Store(&cfg)
}

func gateCounter(m *sync.Map, key string) *atomic.Int64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Release frees the slots one Acquire took. It is returned by Acquire
// and must be called exactly once when the work finishes.
type Release func()

// Acquire reserves capacity for one analysis. A non-nil error carries
// the user-facing rejection message.
func (g *AbuseGate) Acquire(userID, groupID string) (Release, error) {
	cfg := g.cfg.Load()
	if !cfg.Enabled {
		return func() {}, nil
	}

	if g.global.Add(1) > int64(cfg.MaxConcurrentGlobal) {
		g.global.Add(-1)
		return nil, fmt.Errorf("%s", msgGlobalBusy)
	}

	userCount := gateCounter(&g.byUser, userID)
	if userCount.Add(1) > int64(cfg.PerUser) {
		userCount.Add(-1)
		g.global.Add(-1)
		return nil, fmt.Errorf("%s", msgUserBusy)
	}

	var groupCount *atomic.Int64
	if groupID != "" {
		groupCount = gateCounter(&g.byGroup, groupID)
		if groupCount.Add(1) > int64(cfg.PerGroup) {
			groupCount.Add(-1)
			userCount.Add(-1)
			g.global.Add(-1)
			return nil, fmt.Errorf("%s", msgGroupBusy)
		}
	}

	last := gateCounter(&g.lastUser, userID)
	startNanos := g.now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && cfg.MinInterval > 0 {
			elapsed := time.Duration(startNanos - prev)
			if elapsed < cfg.MinInterval {
				if groupCount != nil {
					groupCount.Add(-1)
				}
				userCount.Add(-1)
				g.global.Add(-1)
				remain := int(math.Ceil((cfg.MinInterval - elapsed).Seconds()))
				if remain < 1 {
					remain = 1
				}
				return nil, fmt.Errorf(msgTooFrequent, remain)
			}
		}
		if last.CompareAndSwap(prev, startNanos) {
			break
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if groupCount != nil {
				groupCount.Add(-1)
			}
			userCount.Add(-1)
			g.global.Add(-1)
		})
	}
	return release, nil
}
