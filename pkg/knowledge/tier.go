package knowledge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/telemetry"
)

// MoveTier moves key to tier. Moving a record to the tier it already
// occupies is a no-op returning false.
//
// A move is applied in three steps under the key lock: the record is
// written in the target tier representation (cached when HOT, compressed
// by the badger engine when COLD) with its version incremented and one
// history entry appended; the cache entry of the old tier is dropped; the
// old tier index entry is queued for background cleanup.
func (s *Store) MoveTier(ctx context.Context, key string, tier storage.Tier, reason string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if _, err := storage.ParseTier(string(tier)); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrInvalidData, err)
	}

	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.engine.GetRecord(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return false, persistenceError("load", key, err)
	}
	if current.Tier == tier {
		return false, nil
	}

	now := s.now()
	if reason == "" {
		reason = "manual"
	}
	from := current.Tier
	next := current.Clone()
	next.UpdateHistory = append(next.UpdateHistory, current.Snapshot(fmt.Sprintf("tier %s -> %s: %s", from, tier, reason), now))
	next.Tier = tier
	next.Version++
	next.UpdatedAt = now
	s.overlayAccess(next)

	if err := s.engine.PutRecord(ctx, next); err != nil {
		return false, persistenceError("move", key, err)
	}

	if tier == storage.TierHot {
		s.hot.Add(key, next.Clone())
	} else {
		s.hot.Remove(key)
	}
	s.scheduleCleanup(from, key)

	s.logger.Info("tier move",
		zap.String("key", key),
		zap.String("from", string(from)),
		zap.String("to", string(tier)),
		zap.Int64("version", next.Version),
		zap.String("reason", reason))
	s.sink.Emit(telemetry.Event{
		Type: telemetry.EventTierMove,
		Key:  key,
		At:   now,
		Fields: map[string]any{
			"from":    string(from),
			"to":      string(tier),
			"version": next.Version,
			"reason":  reason,
		},
	})
	return true, nil
}
