package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/tierstore/pkg/storage"
)

// Errors returned by conflict stores.
var (
	ErrNotFound   = errors.New("conflict not found")
	ErrNotPending = errors.New("conflict is not pending review")
)

// Store persists conflict records for audit and manual review.
type Store interface {
	Put(ctx context.Context, rec *storage.ConflictRecord) error
	Get(ctx context.Context, id string) (*storage.ConflictRecord, error)
	// List returns records with the given status, oldest first.
	// An empty status lists everything.
	List(ctx context.Context, status storage.ConflictStatus) ([]*storage.ConflictRecord, error)
	// Approve marks a pending record approved by reviewer.
	Approve(ctx context.Context, id, reviewer string) (*storage.ConflictRecord, error)
	// Discard marks a pending record discarded by reviewer.
	Discard(ctx context.Context, id, reviewer string) (*storage.ConflictRecord, error)
	// Purge deletes records whose retention ended at or before now.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// EngineStore keeps conflicts in a storage.Engine's conflict keyspace.
// Engines with native TTL (badger) expire records on their own; Purge
// covers the rest and filters expired records from reads in between.
type EngineStore struct {
	engine storage.Engine
	now    func() time.Time
}

// NewEngineStore creates a store over engine.
func NewEngineStore(engine storage.Engine) *EngineStore {
	return &EngineStore{engine: engine, now: time.Now}
}

// WithClock sets the clock used to filter expired records.
func (s *EngineStore) WithClock(now func() time.Time) *EngineStore {
	s.now = now
	return s
}

func (s *EngineStore) Put(ctx context.Context, rec *storage.ConflictRecord) error {
	return s.engine.PutConflict(ctx, rec)
}

func (s *EngineStore) Get(ctx context.Context, id string) (*storage.ConflictRecord, error) {
	rec, err := s.engine.GetConflict(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s (expired)", ErrNotFound, id)
	}
	return rec, nil
}

func (s *EngineStore) List(ctx context.Context, status storage.ConflictStatus) ([]*storage.ConflictRecord, error) {
	all, err := s.engine.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*storage.ConflictRecord, 0, len(all))
	for _, rec := range all {
		if rec.Expired(now) {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *EngineStore) Approve(ctx context.Context, id, reviewer string) (*storage.ConflictRecord, error) {
	return s.review(ctx, id, reviewer, storage.ConflictApproved)
}

func (s *EngineStore) Discard(ctx context.Context, id, reviewer string) (*storage.ConflictRecord, error) {
	return s.review(ctx, id, reviewer, storage.ConflictDiscarded)
}

func (s *EngineStore) review(ctx context.Context, id, reviewer string, status storage.ConflictStatus) (*storage.ConflictRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != storage.ConflictPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, rec.Status)
	}
	rec.Status = status
	rec.ReviewedAt = s.now()
	rec.ReviewedBy = reviewer
	if err := s.engine.PutConflict(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *EngineStore) Purge(ctx context.Context, now time.Time) (int, error) {
	all, err := s.engine.ListConflicts(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !rec.Expired(now) {
			continue
		}
		if err := s.engine.DeleteConflict(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

var _ Store = (*EngineStore)(nil)
