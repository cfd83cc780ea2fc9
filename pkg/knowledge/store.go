// Package knowledge is the single entry point to a trust-gated, tiered
// knowledge store.
//
// Every write passes through the trust gate before it reaches storage:
//
//	ProposeMutation
//	      │
//	      ▼
//	┌──────────────┐  parallel, per-validator timeout
//	│ Validator    │──────────────────────────────┐
//	│ Pool         │                              │
//	└──────────────┘                              ▼
//	                                      ┌──────────────┐
//	                                      │ Aggregator   │ weighted mean ≥ threshold?
//	                                      └──────┬───────┘
//	                          passed             │            failed
//	                    ┌────────────────────────┴─────────────────────┐
//	                    ▼                                              ▼
//	              commit: version+1,                     Resolver: strict → rejected
//	              history+1, tracker                               staged → pending_review
//	                                                               soft   → commit valid subset
//
// Reads never wait on validation. They return the stored record, record the
// access asynchronously and never move tiers; tier moves belong to the
// migration scheduler, which calls back into MoveTier under the same per-key
// lock as writes.
//
// Example:
//
//	cfg := config.LoadDefaults()
//	cfg.Storage.InMemory = true
//
//	store, err := knowledge.Open(cfg, storage.NewMemoryEngine(), knowledge.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	receipt, err := store.ProposeMutation(ctx, storage.DocumentMutation("doc:42", "Badger is an LSM store", nil))
//	// receipt.Status: committed | pending_review | rejected
//
//	view, err := store.FetchRecord(ctx, "doc:42")
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/conflict"
	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/telemetry"
	"github.com/orneryd/tierstore/pkg/temporal"
	"github.com/orneryd/tierstore/pkg/tiering"
	"github.com/orneryd/tierstore/pkg/validation"
)

// Status is the outcome of a proposed mutation.
type Status string

const (
	StatusCommitted     Status = "committed"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
)

// Receipt is returned for every proposed mutation.
type Receipt struct {
	Status     Status                 `json:"status"`
	Key        string                 `json:"key"`
	Version    int64                  `json:"version,omitempty"`
	ConflictID string                 `json:"conflict_id,omitempty"`
	Score      float64                `json:"score"`
	Action     storage.ConflictAction `json:"action,omitempty"`
	Rejected   []string               `json:"rejected_claims,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// View is the read projection of a record.
type View struct {
	Key        string          `json:"key"`
	Kind       storage.Kind    `json:"kind"`
	Payload    storage.Payload `json:"payload"`
	Tier       storage.Tier    `json:"tier"`
	TrustScore float64         `json:"trust_score"`
	Version    int64           `json:"version"`
}

// Stats is a point-in-time view of store internals.
type Stats struct {
	Tracker        temporal.GlobalStats `json:"tracker"`
	Pool           storage.PoolStats    `json:"pool"`
	HotCached      int                  `json:"hot_cached"`
	AccessDropped  int64                `json:"access_dropped"`
	CleanupDropped int64                `json:"cleanup_dropped"`
	AccessFlushed  int64                `json:"access_flushed"`
	LastSweep      tiering.SweepReport  `json:"last_sweep"`
	Sweeps         int64                `json:"sweeps"`
	DiskBytes      int64                `json:"disk_bytes,omitempty"`
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	sink     telemetry.Sink
	now      func() time.Time
	registry *validation.Registry
	extra    []validation.Validator
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry sets the event sink. Default discards events.
func WithTelemetry(s telemetry.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithClock injects the clock used for timestamps and inactivity.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegistry replaces the built-in validators.
func WithRegistry(r *validation.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithValidator adds a validator to the registry in use.
func WithValidator(v validation.Validator) Option {
	return func(o *options) { o.extra = append(o.extra, v) }
}

type accessEvent struct {
	key  string
	at   time.Time
	done chan struct{}
}

type cleanupTask struct {
	tier storage.Tier
	key  string
}

// Store is the knowledge store facade. It exclusively owns record lifecycle.
type Store struct {
	engine    *storage.PooledEngine
	holder    *config.Holder
	pool      *validation.Pool
	agg       atomic.Pointer[validation.Aggregator]
	resolver  atomic.Pointer[conflict.Resolver]
	conflicts *conflict.EngineStore
	tracker   *temporal.Tracker
	scheduler *tiering.Scheduler
	hot       *lru.Cache[string, *storage.Record]
	locks     keyLocks

	logger *zap.Logger
	sink   telemetry.Sink
	now    func() time.Time

	accessCh  chan accessEvent
	cleanupCh chan cleanupTask
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	accessDropped  atomic.Int64
	cleanupDropped atomic.Int64
	accessFlushed  atomic.Int64
}

// Open creates a store over engine. The engine is wrapped in a bounded pool
// and closed by Close. cfg is validated; an invalid cfg returns an error
// wrapping config.ErrConfiguration.
func Open(cfg *config.Config, engine storage.Engine, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	holder, err := config.NewHolder(cfg)
	if err != nil {
		return nil, err
	}
	cfg = holder.Load()

	o := options{logger: zap.NewNop(), sink: telemetry.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = telemetry.Nop{}
	}

	pooled, ok := engine.(*storage.PooledEngine)
	if !ok {
		pooled = storage.NewPooledEngine(engine, cfg.Storage.PoolSize)
	}

	hot, err := lru.New[string, *storage.Record](max(cfg.Storage.HotCacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("hot cache: %w", err)
	}

	s := &Store{
		engine:    pooled,
		holder:    holder,
		conflicts: conflict.NewEngineStore(pooled).WithClock(o.now),
		tracker:   temporal.NewTrackerWithClock(trackerConfig(cfg), o.now),
		hot:       hot,
		logger:    o.logger.Named("knowledge"),
		sink:      o.sink,
		now:       o.now,
		accessCh:  make(chan accessEvent, max(cfg.Access.QueueSize, 1)),
		cleanupCh: make(chan cleanupTask, max(cfg.Access.QueueSize, 1)),
		stop:      make(chan struct{}),
		dirty:     make(map[string]struct{}),
	}

	registry := o.registry
	if registry == nil {
		registry = validation.DefaultRegistry(validation.KeyLookupFunc(s.exists))
	}
	for _, v := range o.extra {
		if err := registry.Register(v); err != nil {
			return nil, err
		}
	}
	s.pool = validation.NewPool(registry, cfg.Trust.ValidatorTimeout, o.logger)
	s.agg.Store(validation.NewAggregator(cfg.Trust.Threshold, cfg.Trust.Weights))
	s.resolver.Store(s.newResolver(cfg))
	s.scheduler = tiering.NewScheduler(s, s.tracker, tiering.PolicyFromConfig(cfg.Tiers),
		tiering.WithLogger(o.logger),
		tiering.WithTelemetry(o.sink),
		tiering.WithClock(o.now),
		tiering.WithPreSweepHook(s.beforeSweep),
		tiering.WithSweepHook(s.afterSweep))
	holder.OnChange(s.applyConfig)

	s.wg.Add(1)
	go s.accessLoop()
	if cfg.Access.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(cfg.Access.FlushInterval)
	}
	for i := 0; i < max(cfg.Scheduler.CleanupWorkers, 1); i++ {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	s.logger.Info("knowledge store opened", zap.Stringer("config", cfg))
	return s, nil
}

func trackerConfig(cfg *config.Config) temporal.Config {
	tc := temporal.DefaultConfig()
	if cfg.Storage.LowMemory {
		tc = temporal.LowMemoryConfig()
	}
	if cfg.Access.MaxTrackedKeys > 0 {
		tc.MaxTrackedKeys = cfg.Access.MaxTrackedKeys
	}
	return tc
}

func (s *Store) newResolver(cfg *config.Config) *conflict.Resolver {
	return conflict.NewResolver(s.conflicts,
		conflict.WithRetention(cfg.Trust.ConflictRetention),
		conflict.WithClock(s.now),
		conflict.WithLogger(s.logger))
}

// Config returns the active configuration. Callers must not modify it.
func (s *Store) Config() *config.Config {
	return s.holder.Load()
}

// Holder exposes the configuration holder, for wiring a config.Watcher.
func (s *Store) Holder() *config.Holder {
	return s.holder
}

// Registry returns the validator registry.
func (s *Store) Registry() *validation.Registry {
	return s.pool.Registry()
}

// Tracker returns the access tracker.
func (s *Store) Tracker() *temporal.Tracker {
	return s.tracker
}

// Scheduler returns the migration scheduler.
func (s *Store) Scheduler() *tiering.Scheduler {
	return s.scheduler
}

// Reconfigure validates cfg and swaps it in atomically. An invalid cfg is
// refused and the active configuration is kept. Sweeps already running keep
// the thresholds they started with.
func (s *Store) Reconfigure(cfg *config.Config) error {
	return s.holder.Reload(cfg)
}

func (s *Store) applyConfig(old, next *config.Config) {
	s.pool.SetTimeout(next.Trust.ValidatorTimeout)
	s.agg.Store(validation.NewAggregator(next.Trust.Threshold, next.Trust.Weights))
	s.resolver.Store(s.newResolver(next))
	s.scheduler.SetPolicy(tiering.PolicyFromConfig(next.Tiers))
	if next.Storage.HotCacheSize != old.Storage.HotCacheSize {
		s.hot.Resize(max(next.Storage.HotCacheSize, 1))
	}

	s.logger.Info("configuration reloaded", zap.Stringer("config", next))
	s.sink.Emit(telemetry.Event{
		Type: telemetry.EventConfigReloaded,
		At:   s.now(),
		Fields: map[string]any{
			"threshold":     next.Trust.Threshold,
			"conflict_mode": next.Trust.ConflictMode,
		},
	})
}

// StartScheduler runs migration sweeps on the configured schedule until
// Close. It is a no-op when the scheduler is disabled.
func (s *Store) StartScheduler(ctx context.Context) error {
	cfg := s.holder.Load()
	if !cfg.Scheduler.Enabled {
		return nil
	}
	return s.scheduler.Start(ctx, cfg.Scheduler.Schedule)
}

// Sweep runs one migration sweep now.
func (s *Store) Sweep(ctx context.Context) (tiering.SweepReport, error) {
	return s.scheduler.Sweep(ctx)
}

func (s *Store) beforeSweep(ctx context.Context) {
	if _, err := s.persistAccess(ctx); err != nil {
		s.logger.Warn("access write-back before sweep failed", zap.Error(err))
	}
}

func (s *Store) afterSweep(ctx context.Context, _ tiering.SweepReport) {
	n, err := s.conflicts.Purge(ctx, s.now())
	if err != nil {
		s.logger.Warn("conflict purge failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("expired conflicts purged", zap.Int("count", n))
	}

	// Demotions rewrite values with a new codec; reclaim the old ones.
	if m, ok := s.engine.Unwrap().(storage.Maintainer); ok {
		if err := m.RunGC(); err != nil {
			s.logger.Warn("value log gc failed", zap.Error(err))
		}
	}
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	last, sweeps := s.scheduler.LastReport()
	st := Stats{
		Tracker:        s.tracker.GlobalStats(),
		Pool:           s.engine.Stats(),
		HotCached:      s.hot.Len(),
		AccessDropped:  s.accessDropped.Load(),
		CleanupDropped: s.cleanupDropped.Load(),
		AccessFlushed:  s.accessFlushed.Load(),
		LastSweep:      last,
		Sweeps:         sweeps,
	}
	if m, ok := s.engine.Unwrap().(storage.Maintainer); ok {
		lsm, vlog := m.Size()
		st.DiskBytes = lsm + vlog
	}
	return st
}

// Backup writes a snapshot of the store to path. Only engines that support
// snapshots (badger) can be backed up.
func (s *Store) Backup(path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, ok := s.engine.Unwrap().(interface{ Backup(string) error })
	if !ok {
		return fmt.Errorf("%w: engine does not support backup", storage.ErrInvalidData)
	}
	if err := b.Backup(path); err != nil {
		return persistenceError("backup", path, err)
	}
	return nil
}

// Close stops the scheduler and background workers, writes back pending
// access metadata, then closes the engine.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.scheduler.Stop()
		close(s.stop)
		s.wg.Wait()
		s.drainAccess()
		if _, ferr := s.persistAccess(context.Background()); ferr != nil {
			s.logger.Warn("access write-back on close failed", zap.Error(ferr))
		}
		s.hot.Purge()
		err = s.engine.Close()
		s.logger.Info("knowledge store closed")
	})
	return err
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case task := <-s.cleanupCh:
			err := s.engine.RemoveTierIndex(context.Background(), task.tier, task.key)
			if err != nil {
				s.logger.Debug("old tier cleanup failed",
					zap.String("key", task.key),
					zap.String("tier", string(task.tier)),
					zap.Error(err))
			}
		}
	}
}

// scheduleCleanup drops the stale tier index entry in the background.
// Cleanup is best-effort: a dropped task leaves an entry that FetchByTier
// skips and schedules again.
func (s *Store) scheduleCleanup(tier storage.Tier, key string) {
	select {
	case s.cleanupCh <- cleanupTask{tier: tier, key: key}:
	default:
		s.cleanupDropped.Add(1)
	}
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	if _, ok := s.hot.Peek(key); ok {
		return true, nil
	}
	_, err := s.engine.GetRecord(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	}
	return false, err
}
