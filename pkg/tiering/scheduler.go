package tiering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/telemetry"
	"github.com/orneryd/tierstore/pkg/temporal"
)

// Errors returned by the scheduler.
var (
	// ErrTierMove wraps a failed move of one key. It is recorded in the
	// sweep report and never aborts the sweep.
	ErrTierMove = errors.New("tier move failed")

	ErrSweepInProgress = errors.New("sweep already in progress")
	ErrInvalidSchedule = errors.New("invalid sweep schedule")
)

// DefaultSchedule runs a sweep every hour.
const DefaultSchedule = "@every 1h"

// scheduleParser accepts standard 5-field cron expressions and descriptors
// such as @hourly or @every 15m.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	return sched, nil
}

// Target is what the scheduler sweeps. The knowledge store implements it;
// the scheduler reads records and requests moves, it never writes records.
type Target interface {
	// SweepKeys lists every key eligible for tiering.
	SweepKeys(ctx context.Context) ([]string, error)
	// Peek returns the live record without recording an access.
	Peek(ctx context.Context, key string) (*storage.Record, error)
	// MoveTier moves key to tier. Moving to the current tier is a no-op
	// reporting moved=false.
	MoveTier(ctx context.Context, key string, tier storage.Tier, reason string) (moved bool, err error)
}

// Move is one applied tier change.
type Move struct {
	Key    string       `json:"key"`
	From   storage.Tier `json:"from"`
	To     storage.Tier `json:"to"`
	Reason string       `json:"reason"`
}

// Failure is one key whose move failed.
type Failure struct {
	Key string `json:"key"`
	Err string `json:"error"`
}

// SweepReport summarises one migration sweep.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Unchanged int           `json:"unchanged"`
	Moves     []Move        `json:"moves"`
	Failures  []Failure     `json:"failures"`
	Cancelled bool          `json:"cancelled"`
}

// Moved returns the number of applied moves.
func (r SweepReport) Moved() int { return len(r.Moves) }

// Scheduler runs migration sweeps on a cron schedule or on demand.
type Scheduler struct {
	target  Target
	tracker *temporal.Tracker
	sink    telemetry.Sink
	logger  *zap.Logger
	now     func() time.Time
	hook    func(ctx context.Context, report SweepReport)
	pre     func(ctx context.Context)

	policy  atomic.Pointer[Policy]
	running atomic.Bool

	mu       sync.Mutex
	cron     *cron.Cron
	cancel   context.CancelFunc
	trigger  chan struct{}
	loopDone chan struct{}
	last     SweepReport
	sweeps   int64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTelemetry sets the event sink.
func WithTelemetry(sink telemetry.Sink) SchedulerOption {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l.Named("tiering")
		}
	}
}

// WithClock injects the clock used for inactivity checks.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSweepHook runs fn after every sweep, including cancelled ones.
// fn receives a context that is not cancelled with the sweep.
func WithSweepHook(fn func(ctx context.Context, report SweepReport)) SchedulerOption {
	return func(s *Scheduler) { s.hook = fn }
}

// WithPreSweepHook runs fn before every sweep reads its keys.
func WithPreSweepHook(fn func(ctx context.Context)) SchedulerOption {
	return func(s *Scheduler) { s.pre = fn }
}

// NewScheduler creates a scheduler over target using tracker statistics.
func NewScheduler(target Target, tracker *temporal.Tracker, policy Policy, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		target:  target,
		tracker: tracker,
		sink:    telemetry.Nop{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	s.policy.Store(&policy)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPolicy replaces the policy used by subsequent sweeps. A sweep already
// running keeps the policy it started with.
func (s *Scheduler) SetPolicy(p Policy) {
	s.policy.Store(&p)
}

// Policy returns the current policy.
func (s *Scheduler) Policy() Policy {
	return *s.policy.Load()
}

// Running reports whether a sweep is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastReport returns the most recent completed sweep and the sweep count.
func (s *Scheduler) LastReport() (SweepReport, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.sweeps
}

// Sweep evaluates every key once and applies the needed tier moves.
//
// The policy is read once at the start. ctx is checked between keys, never
// inside one: a move that has started completes even if ctx is cancelled.
// A failed move is recorded in the report and retried on the next sweep.
// Returns ErrSweepInProgress if another sweep is running.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	policy := s.Policy()
	report := SweepReport{StartedAt: s.now()}
	if s.pre != nil {
		s.pre(ctx)
	}

	keys, err := s.target.SweepKeys(ctx)
	if err != nil {
		return report, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		report.Scanned++
		s.sweepKey(context.WithoutCancel(ctx), policy, key, &report)
	}

	report.Duration = s.now().Sub(report.StartedAt)
	s.finish(report)
	if s.hook != nil {
		s.hook(context.WithoutCancel(ctx), report)
	}
	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (s *Scheduler) sweepKey(ctx context.Context, policy Policy, key string, report *SweepReport) {
	rec, err := s.target.Peek(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		s.tracker.Forget(key)
		report.Unchanged++
		return
	}
	if err != nil {
		s.fail(report, key, err)
		return
	}

	eval := policy.Evaluate(rec, s.tracker.Stats(key), s.now())
	if eval.Target == rec.Tier {
		report.Unchanged++
		return
	}

	moved, err := s.target.MoveTier(ctx, key, eval.Target, eval.Reason)
	if err != nil {
		s.fail(report, key, err)
		return
	}
	if !moved {
		report.Unchanged++
		return
	}
	report.Moves = append(report.Moves, Move{Key: key, From: rec.Tier, To: eval.Target, Reason: eval.Reason})
}

func (s *Scheduler) fail(report *SweepReport, key string, err error) {
	err = fmt.Errorf("%w: %s: %w", ErrTierMove, key, err)
	report.Failures = append(report.Failures, Failure{Key: key, Err: err.Error()})
	s.logger.Warn("tier move failed, will retry next sweep", zap.String("key", key), zap.Error(err))
}

func (s *Scheduler) finish(report SweepReport) {
	s.mu.Lock()
	s.last = report
	s.sweeps++
	s.mu.Unlock()

	s.logger.Info("sweep completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("moved", report.Moved()),
		zap.Int("failed", len(report.Failures)),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("took", report.Duration))
	s.sink.Emit(telemetry.Event{
		Type: telemetry.EventSweepCompleted,
		At:   report.StartedAt.Add(report.Duration),
		Fields: map[string]any{
			"scanned":   report.Scanned,
			"moved":     report.Moved(),
			"failed":    len(report.Failures),
			"cancelled": report.Cancelled,
		},
	})
}

// Start runs sweeps on spec until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	if _, err := ParseSchedule(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(spec, func() { s.Trigger() }); err != nil {
		cancel()
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}

	s.cron = c
	s.cancel = cancel
	s.trigger = make(chan struct{}, 1)
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx, s.trigger, s.loopDone)
	c.Start()

	s.logger.Info("migration scheduler started", zap.String("schedule", spec))
	return nil
}

// Trigger requests a sweep as soon as possible. It is a no-op returning
// false while a sweep is running or one is already queued, or before Start.
func (s *Scheduler) Trigger() bool {
	if s.running.Load() {
		return false
	}
	s.mu.Lock()
	ch := s.trigger
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stop halts the schedule, cancels a running sweep between keys and waits
// for the background loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel, done := s.cron, s.cancel, s.loopDone
	s.cron, s.cancel, s.trigger, s.loopDone = nil, nil, nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	<-done
	s.logger.Info("migration scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, trigger <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("sweep did not complete", zap.Error(err))
			}
		}
	}
}
