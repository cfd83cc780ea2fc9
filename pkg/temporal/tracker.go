// Package temporal tracks per-record access patterns for tier placement.
//
// The Tracker keeps two rolling windows per key (last hour, last day) plus a
// last-access timestamp. Reads and writes on the request path record accesses
// concurrently; the migration scheduler only queries.
//
// # Rolling windows
//
// Each window is a ring of buckets. A bucket packs the bucket epoch (upper 32
// bits) and its count (lower 32 bits) into one atomic uint64, so an increment
// is a single compare-and-swap and a stale bucket is reset in the same CAS:
//
//	hourly: 60 buckets x 1 minute
//	daily:  24 buckets x 1 hour
//
//	 epoch (uint32)      count (uint32)
//	┌──────────────────┬──────────────────┐
//	│ 0x01B5_3E20      │ 0x0000_0007      │
//	└──────────────────┴──────────────────┘
//
// Summing a window adds the counts of buckets whose epoch lies within the
// last N epochs. Nothing ever sweeps old buckets: they simply stop counting.
//
// Example:
//
//	tracker := temporal.NewTracker(temporal.DefaultConfig())
//	tracker.RecordAccess("doc:42")
//
//	stats := tracker.Stats("doc:42")
//	if stats.IsPromotionCandidate(100) {
//		// hot enough for the HOT tier, subject to trust
//	}
package temporal

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds tracker sizing.
type Config struct {
	// MaxTrackedKeys bounds memory. Accesses to new keys beyond the bound
	// are dropped and counted in GlobalStats.DroppedAccesses.
	MaxTrackedKeys int

	// HourlyBuckets splits the one hour window (default 60, one per minute).
	HourlyBuckets int

	// DailyBuckets splits the one day window (default 24, one per hour).
	DailyBuckets int
}

// DefaultConfig returns defaults suitable for most deployments.
func DefaultConfig() Config {
	return Config{
		MaxTrackedKeys: 1_000_000,
		HourlyBuckets:  60,
		DailyBuckets:   24,
	}
}

// LowMemoryConfig trades window resolution for memory.
func LowMemoryConfig() Config {
	return Config{
		MaxTrackedKeys: 100_000,
		HourlyBuckets:  12,
		DailyBuckets:   6,
	}
}

// AccessStats is a point-in-time view of one key.
type AccessStats struct {
	Key          string
	Tracked      bool
	HourlyCount  int64
	DailyCount   int64
	TotalCount   int64
	LastAccessed time.Time
}

// IsPromotionCandidate reports hourly_count >= threshold.
func (s AccessStats) IsPromotionCandidate(threshold int64) bool {
	return s.HourlyCount >= threshold
}

// DaysSinceLastAccess returns fractional days since the last access,
// or -1 when no access is known.
func (s AccessStats) DaysSinceLastAccess(now time.Time) float64 {
	if s.LastAccessed.IsZero() {
		return -1
	}
	return now.Sub(s.LastAccessed).Hours() / 24
}

// IsDemotionCandidate reports days_since_last_access >= days.
// Keys with no known access are never demotion candidates.
func (s AccessStats) IsDemotionCandidate(days float64, now time.Time) bool {
	since := s.DaysSinceLastAccess(now)
	return since >= 0 && since >= days
}

// GlobalStats summarises the tracker.
type GlobalStats struct {
	TrackedKeys     int64
	TotalAccesses   int64
	DroppedAccesses int64
}

// Tracker records access events. Safe for concurrent use.
type Tracker struct {
	cfg  Config
	now  func() time.Time
	keys sync.Map // string -> *keyState

	tracked atomic.Int64
	total   atomic.Int64
	dropped atomic.Int64
}

type keyState struct {
	hourly     *window
	daily      *window
	lastAccess atomic.Int64 // unix nanos, monotonic max
	total      atomic.Int64
}

// NewTracker creates a tracker using the wall clock.
func NewTracker(cfg Config) *Tracker {
	return NewTrackerWithClock(cfg, time.Now)
}

// NewTrackerWithClock creates a tracker with an injectable clock.
func NewTrackerWithClock(cfg Config, now func() time.Time) *Tracker {
	def := DefaultConfig()
	if cfg.MaxTrackedKeys <= 0 {
		cfg.MaxTrackedKeys = def.MaxTrackedKeys
	}
	if cfg.HourlyBuckets <= 0 {
		cfg.HourlyBuckets = def.HourlyBuckets
	}
	if cfg.DailyBuckets <= 0 {
		cfg.DailyBuckets = def.DailyBuckets
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{cfg: cfg, now: now}
}

// RecordAccess records an access to key at the current time.
func (t *Tracker) RecordAccess(key string) {
	t.RecordAccessAt(key, t.now())
}

// RecordAccessAt records an access to key at the given time.
func (t *Tracker) RecordAccessAt(key string, at time.Time) {
	st := t.state(key)
	if st == nil {
		t.dropped.Add(1)
		return
	}
	st.hourly.add(at)
	st.daily.add(at)
	st.total.Add(1)
	storeMax(&st.lastAccess, at.UnixNano())
	t.total.Add(1)
}

// Seed registers key with a known last access without counting an access.
// Used when loading persisted records so inactivity survives restarts.
func (t *Tracker) Seed(key string, lastAccess time.Time) {
	st := t.state(key)
	if st == nil || lastAccess.IsZero() {
		return
	}
	storeMax(&st.lastAccess, lastAccess.UnixNano())
}

// Stats returns the access statistics for key.
func (t *Tracker) Stats(key string) AccessStats {
	v, ok := t.keys.Load(key)
	if !ok {
		return AccessStats{Key: key}
	}
	st := v.(*keyState)
	now := t.now()
	out := AccessStats{
		Key:         key,
		Tracked:     true,
		HourlyCount: st.hourly.sum(now),
		DailyCount:  st.daily.sum(now),
		TotalCount:  st.total.Load(),
	}
	if ns := st.lastAccess.Load(); ns != 0 {
		out.LastAccessed = time.Unix(0, ns)
	}
	return out
}

// Keys returns all tracked keys in sorted order.
func (t *Tracker) Keys() []string {
	var keys []string
	t.keys.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Forget stops tracking key.
func (t *Tracker) Forget(key string) {
	if _, loaded := t.keys.LoadAndDelete(key); loaded {
		t.tracked.Add(-1)
	}
}

// GlobalStats returns tracker-wide counters.
func (t *Tracker) GlobalStats() GlobalStats {
	return GlobalStats{
		TrackedKeys:     t.tracked.Load(),
		TotalAccesses:   t.total.Load(),
		DroppedAccesses: t.dropped.Load(),
	}
}

func (t *Tracker) state(key string) *keyState {
	if v, ok := t.keys.Load(key); ok {
		return v.(*keyState)
	}
	if t.tracked.Load() >= int64(t.cfg.MaxTrackedKeys) {
		return nil
	}
	fresh := &keyState{
		hourly: newWindow(t.cfg.HourlyBuckets, time.Hour),
		daily:  newWindow(t.cfg.DailyBuckets, 24*time.Hour),
	}
	v, loaded := t.keys.LoadOrStore(key, fresh)
	if !loaded {
		t.tracked.Add(1)
	}
	return v.(*keyState)
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
