package knowledge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/conflict"
	"github.com/orneryd/tierstore/pkg/storage"
)

// Conflicts lists conflict records with the given status, oldest first.
// An empty status lists every unexpired record.
func (s *Store) Conflicts(ctx context.Context, status storage.ConflictStatus) ([]*storage.ConflictRecord, error) {
	return s.conflicts.List(ctx, status)
}

// Conflict returns one conflict record.
func (s *Store) Conflict(ctx context.Context, id string) (*storage.ConflictRecord, error) {
	return s.conflicts.Get(ctx, id)
}

// ApproveConflict commits a staged mutation on a reviewer's authority.
//
// The reviewer stands in for the trust gate, so validators do not run
// again. The record keeps the combined score the validators gave it.
// Approval fails with ErrStaleConflict when the record has changed since
// the mutation was staged; the conflict then stays pending and can be
// discarded.
func (s *Store) ApproveConflict(ctx context.Context, id, reviewer string) (Receipt, error) {
	if s.closed.Load() {
		return Receipt{Status: StatusRejected, Reason: "store closed"}, ErrClosed
	}
	c, err := s.conflicts.Get(ctx, id)
	if err != nil {
		return Receipt{Status: StatusRejected, ConflictID: id, Reason: err.Error()}, err
	}
	m := &c.Attempted
	receipt := Receipt{Key: c.Key, ConflictID: id, Score: c.CombinedScore, Action: c.Action}
	if c.Status != storage.ConflictPending {
		receipt.Status = StatusRejected
		receipt.Reason = "conflict is " + string(c.Status)
		return receipt, fmt.Errorf("%s: %w", id, conflict.ErrNotPending)
	}

	lock := s.locks.get(c.Key)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.engine.GetRecord(ctx, c.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current = nil
	case err != nil:
		receipt.Status = StatusRejected
		return receipt, persistenceError("load", c.Key, err)
	}
	var live int64
	if current != nil {
		live = current.Version
	}
	if live != c.BaseVersion {
		receipt.Status = StatusRejected
		receipt.Reason = fmt.Sprintf("staged against version %d, live version %d", c.BaseVersion, live)
		return receipt, fmt.Errorf("%w: %s", ErrStaleConflict, receipt.Reason)
	}

	rec, err := s.commit(context.WithoutCancel(ctx), c.Key, current, m.Kind, m.Claims, c.CombinedScore, "review approved by "+reviewer)
	if err != nil {
		receipt.Status = StatusRejected
		receipt.Reason = err.Error()
		return receipt, err
	}
	// The commit bumped the version, so a failed status update cannot lead
	// to a second application: a retry is refused as stale.
	if _, err := s.conflicts.Approve(context.WithoutCancel(ctx), id, reviewer); err != nil {
		s.logger.Warn("approved conflict not marked",
			zap.String("conflict_id", id),
			zap.Error(err))
	}

	s.logger.Info("staged mutation approved",
		zap.String("key", c.Key),
		zap.String("conflict_id", id),
		zap.String("reviewer", reviewer),
		zap.Int64("version", rec.Version))
	receipt.Status = StatusCommitted
	receipt.Version = rec.Version
	return receipt, nil
}

// DiscardConflict closes a staged mutation without applying it.
func (s *Store) DiscardConflict(ctx context.Context, id, reviewer string) (*storage.ConflictRecord, error) {
	c, err := s.conflicts.Discard(ctx, id, reviewer)
	if err != nil {
		return nil, err
	}
	s.logger.Info("staged mutation discarded",
		zap.String("key", c.Key),
		zap.String("conflict_id", id),
		zap.String("reviewer", reviewer))
	return c, nil
}

// PurgeConflicts deletes expired conflict records and returns how many.
func (s *Store) PurgeConflicts(ctx context.Context) (int, error) {
	return s.conflicts.Purge(ctx, s.now())
}
