package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/conflict"
	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/telemetry"
	"github.com/orneryd/tierstore/pkg/validation"
)

// ProposeMutation runs m through the trust gate and reports what happened.
//
// The receipt always carries one of committed, pending_review or rejected.
// The error is nil for every gate decision, including rejections; it is
// non-nil only when the request itself could not be judged or persisted:
// ErrInvalidMutation, ErrVersionConflict, ErrPersistence (retryable), a
// context error when ctx is cancelled before commit, or ErrClosed.
//
// Writes to the same key are serialized; writes to different keys run in
// parallel. Once the commit has started, cancelling ctx has no effect.
func (s *Store) ProposeMutation(ctx context.Context, m *storage.Mutation) (Receipt, error) {
	receipt, _, err := s.propose(ctx, m)
	return receipt, err
}

// Write is ProposeMutation returning the committed record. A write that does
// not commit returns a *ValidationError matching ErrValidationFailure (and
// ErrPendingReview when staged).
func (s *Store) Write(ctx context.Context, m *storage.Mutation) (*storage.Record, error) {
	receipt, rec, err := s.propose(ctx, m)
	if err != nil {
		return nil, err
	}
	if receipt.Status != StatusCommitted {
		return nil, &ValidationError{Receipt: receipt}
	}
	return rec, nil
}

func (s *Store) propose(ctx context.Context, m *storage.Mutation) (Receipt, *storage.Record, error) {
	if s.closed.Load() {
		return rejected(m, "store closed"), nil, ErrClosed
	}
	if err := m.Check(); err != nil {
		return rejected(m, err.Error()), nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if m.ProposedAt.IsZero() {
		m.ProposedAt = s.now()
	}

	cfg := s.holder.Load()
	mode, err := conflict.ParseMode(cfg.Trust.ConflictMode)
	if err != nil {
		mode = conflict.ModeStrict
	}
	agg := s.agg.Load()
	resolver := s.resolver.Load()

	lock := s.locks.get(m.Key)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.engine.GetRecord(ctx, m.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current = nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rejected(m, "cancelled"), nil, ctxErr
		}
		return rejected(m, "load failed"), nil, persistenceError("load", m.Key, err)
	}
	if m.ExpectedVersion != 0 && (current == nil || current.Version != m.ExpectedVersion) {
		var live int64
		if current != nil {
			live = current.Version
		}
		return rejected(m, fmt.Sprintf("expected version %d, live version %d", m.ExpectedVersion, live)), nil,
			fmt.Errorf("%w: %s expected %d, live %d", ErrVersionConflict, m.Key, m.ExpectedVersion, live)
	}

	req := validation.NewRequest(uuid.NewString(), m, current)
	results := s.pool.Validate(ctx, req)
	if err := ctx.Err(); err != nil {
		return rejected(m, "cancelled"), nil, err
	}
	decision := agg.AggregateClaims(results, m.ClaimIDs())
	s.emitDecision(m, decision, mode)

	out, err := resolver.Resolve(ctx, req, decision, mode)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rejected(m, "cancelled"), nil, ctxErr
		}
		return rejected(m, "conflict store unavailable"), nil, persistenceError("stage", m.Key, err)
	}
	if out.Conflict != nil {
		s.emitConflict(out.Conflict)
	}

	receipt := Receipt{Key: m.Key, Score: decision.Score, Action: out.Action}
	if out.Conflict != nil {
		receipt.ConflictID = out.Conflict.ID
		receipt.Rejected = out.Conflict.RejectedClaim
	}

	if !out.Commit {
		if out.Action == storage.ActionStaged {
			receipt.Status = StatusPendingReview
			receipt.Reason = "staged for review"
		} else {
			receipt.Status = StatusRejected
			receipt.Reason = fmt.Sprintf("score %.3f below threshold %.3f", decision.Score, decision.Threshold)
		}
		return receipt, nil, nil
	}

	if err := ctx.Err(); err != nil {
		return rejected(m, "cancelled"), nil, err
	}

	reason := "write by " + callerName(m.Caller)
	if out.Action == storage.ActionPartiallyApplied {
		reason = fmt.Sprintf("partial write by %s (%d of %d claims)", callerName(m.Caller), len(out.Apply), len(m.Claims))
	}
	rec, err := s.commit(context.WithoutCancel(ctx), m.Key, current, m.Kind, out.Apply, out.Score, reason)
	switch {
	case errors.Is(err, storage.ErrInvalidData):
		receipt.Status = StatusRejected
		receipt.Action = storage.ActionRejected
		receipt.Reason = err.Error()
		return receipt, nil, nil
	case err != nil:
		receipt.Status = StatusRejected
		receipt.Reason = "persist failed"
		return receipt, nil, err
	}

	receipt.Status = StatusCommitted
	receipt.Version = rec.Version
	receipt.Score = rec.TrustScore
	return receipt, rec.Clone(), nil
}

// commit merges claims into current and persists the next version. The
// caller holds the key lock. An incomplete merged payload or a kind change
// returns an error matching storage.ErrInvalidData; storage failures match
// ErrPersistence.
func (s *Store) commit(ctx context.Context, key string, current *storage.Record, kind storage.Kind, claims []storage.Claim, trust float64, reason string) (*storage.Record, error) {
	if current != nil && current.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", storage.ErrInvalidData, key, current.Kind, kind)
	}
	now := s.now()
	var next *storage.Record
	if current == nil {
		next = &storage.Record{
			Key:       key,
			Kind:      kind,
			Tier:      storage.TierWarm,
			CreatedAt: now,
		}
		next.UpdateHistory = []storage.HistoryEntry{next.Snapshot(reason, now)}
	} else {
		next = current.Clone()
		next.UpdateHistory = append(next.UpdateHistory, current.Snapshot(reason, now))
	}
	next.Payload = storage.ApplyClaims(next.Payload, claims)
	if err := next.Payload.Check(kind); err != nil {
		return nil, err
	}
	next.TrustScore = storage.ClampTrust(trust)
	next.Version++
	next.UpdatedAt = now
	next.LastAccessed = now
	s.overlayAccess(next)

	if err := s.engine.PutRecord(ctx, next); err != nil {
		return nil, persistenceError("put", next.Key, err)
	}

	s.tracker.Seed(next.Key, now)
	if next.Tier == storage.TierHot {
		s.hot.Add(next.Key, next.Clone())
	}
	s.logger.Debug("record committed",
		zap.String("key", next.Key),
		zap.Int64("version", next.Version),
		zap.Float64("trust", next.TrustScore),
		zap.String("reason", reason))
	return next, nil
}

func (s *Store) emitDecision(m *storage.Mutation, d validation.Decision, mode conflict.Mode) {
	validators := make([]string, 0, len(d.Results))
	invalid := 0
	for _, r := range d.Results {
		validators = append(validators, r.Validator)
		if !r.IsValid {
			invalid++
		}
	}
	s.sink.Emit(telemetry.Event{
		Type: telemetry.EventValidationOutcome,
		Key:  m.Key,
		At:   s.now(),
		Fields: map[string]any{
			"score":      d.Score,
			"passed":     d.Passed,
			"threshold":  d.Threshold,
			"mode":       string(mode),
			"validators": validators,
			"invalid":    invalid,
			"caller":     m.Caller.ID,
		},
	})
}

func (s *Store) emitConflict(c *storage.ConflictRecord) {
	s.sink.Emit(telemetry.Event{
		Type: telemetry.EventConflictLogged,
		Key:  c.Key,
		At:   c.CreatedAt,
		Fields: map[string]any{
			"conflict_id": c.ID,
			"action":      string(c.Action),
			"status":      string(c.Status),
			"score":       c.CombinedScore,
		},
	})
}

func rejected(m *storage.Mutation, reason string) Receipt {
	r := Receipt{Status: StatusRejected, Reason: reason}
	if m != nil {
		r.Key = m.Key
	}
	return r
}

func callerName(c storage.Caller) string {
	if c.ID == "" {
		return "anonymous"
	}
	return c.ID
}
