// Package conflict decides what happens to a write that did not pass the
// trust gate cleanly.
//
// Three modes are supported:
//
//	Strict  reject the whole mutation, log a ConflictRecord, live record untouched
//	Staged  persist mutation + conflicting votes for manual review, live record untouched
//	Soft    apply only the claims that individually meet the threshold,
//	        log the rejected remainder
//
// Resolution is single-shot: the resolver never retries. Retrying a rejected
// write is the caller's decision.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/validation"
)

// Mode is the conflict policy.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeStaged Mode = "staged"
	ModeSoft   Mode = "soft"
)

// DefaultRetention is how long conflict records are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeStaged:
		return ModeStaged, nil
	case ModeSoft:
		return ModeSoft, nil
	}
	return "", fmt.Errorf("unknown conflict mode %q", s)
}

// Outcome is the resolver's verdict for one mutation.
type Outcome struct {
	// Commit is true when Apply should be persisted.
	Commit bool
	// Apply holds the claims to persist, in mutation order.
	Apply []storage.Claim
	// Score is the trust score to record on commit.
	Score float64
	// Action is empty for a clean commit.
	Action storage.ConflictAction
	// Conflict is the logged or staged record, if any.
	Conflict *storage.ConflictRecord
}

// Resolver applies a conflict mode to a trust decision.
type Resolver struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRetention sets how long conflict records are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithClock injects the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l.Named("conflict")
		}
	}
}

// NewResolver creates a resolver persisting conflicts to store.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the conflict store.
func (r *Resolver) Store() Store { return r.store }

// Resolve decides the fate of req's mutation under mode.
//
// A passed decision commits every claim, except under Soft where claims
// scoring below the threshold are still held back. The returned error is
// non-nil only when a Staged conflict could not be persisted: the caller
// must not report pending_review for a write nobody can review. Failing to
// log a Strict or Soft conflict is logged and otherwise ignored.
func (r *Resolver) Resolve(ctx context.Context, req *validation.Request, d validation.Decision, mode Mode) (Outcome, error) {
	m := req.Mutation
	if d.Passed && (mode != ModeSoft || len(r.failingClaims(m, d)) == 0) {
		return Outcome{Commit: true, Apply: m.Claims, Score: d.Score}, nil
	}

	switch mode {
	case ModeStaged:
		rec := r.record(req, d, storage.ActionStaged, storage.ConflictPending, nil)
		if err := r.store.Put(ctx, rec); err != nil {
			return Outcome{}, fmt.Errorf("stage conflict for %s: %w", m.Key, err)
		}
		r.logger.Info("mutation staged for review",
			zap.String("key", m.Key),
			zap.String("conflict_id", rec.ID),
			zap.Float64("score", d.Score))
		return Outcome{Action: storage.ActionStaged, Conflict: rec}, nil

	case ModeSoft:
		failing := r.failingClaims(m, d)
		if len(failing) == 0 || len(failing) == len(m.Claims) {
			// No claim-level split is possible: the objection is to the
			// record as a whole.
			return r.reject(ctx, req, d), nil
		}
		keep := make(map[string]bool, len(m.Claims))
		for _, c := range m.Claims {
			keep[c.ID] = true
		}
		for _, id := range failing {
			delete(keep, id)
		}
		applied := m.Subset(keep)
		var sum float64
		for _, c := range applied.Claims {
			sum += d.ClaimScores[c.ID]
		}
		rec := r.record(req, d, storage.ActionPartiallyApplied, storage.ConflictLogged, failing)
		r.log(ctx, rec)
		return Outcome{
			Commit:   true,
			Apply:    applied.Claims,
			Score:    storage.ClampTrust(sum / float64(len(applied.Claims))),
			Action:   storage.ActionPartiallyApplied,
			Conflict: rec,
		}, nil

	default:
		return r.reject(ctx, req, d), nil
	}
}

func (r *Resolver) reject(ctx context.Context, req *validation.Request, d validation.Decision) Outcome {
	rec := r.record(req, d, storage.ActionRejected, storage.ConflictLogged, req.Mutation.ClaimIDs())
	r.log(ctx, rec)
	return Outcome{Action: storage.ActionRejected, Conflict: rec}
}

func (r *Resolver) failingClaims(m *storage.Mutation, d validation.Decision) []string {
	var out []string
	for _, c := range m.Claims {
		if !d.ClaimPassed(c.ID) {
			out = append(out, c.ID)
		}
	}
	return out
}

func (r *Resolver) log(ctx context.Context, rec *storage.ConflictRecord) {
	if err := r.store.Put(ctx, rec); err != nil {
		r.logger.Warn("failed to log conflict",
			zap.String("key", rec.Key),
			zap.String("conflict_id", rec.ID),
			zap.Error(err))
		return
	}
	r.logger.Info("conflict logged",
		zap.String("key", rec.Key),
		zap.String("conflict_id", rec.ID),
		zap.String("action", string(rec.Action)),
		zap.Float64("score", rec.CombinedScore),
		zap.Strings("rejected_claims", rec.RejectedClaim))
}

func (r *Resolver) record(req *validation.Request, d validation.Decision, action storage.ConflictAction, status storage.ConflictStatus, rejected []string) *storage.ConflictRecord {
	m := req.Mutation
	now := r.now()
	var votes []storage.Vote
	for _, res := range d.Conflicting() {
		votes = append(votes, res.Vote())
	}
	scores := make(map[string]float64, len(d.ClaimScores))
	for k, v := range d.ClaimScores {
		scores[k] = v
	}
	sort.Strings(rejected)
	attempted := *m
	attempted.Claims = append([]storage.Claim(nil), m.Claims...)
	return &storage.ConflictRecord{
		ID:            uuid.NewString(),
		Key:           m.Key,
		Attempted:     attempted,
		BaseVersion:   req.PriorVersion(),
		Conflicts:     votes,
		ClaimScores:   scores,
		RejectedClaim: rejected,
		CombinedScore: d.Score,
		Action:        action,
		Status:        status,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.retention),
	}
}
