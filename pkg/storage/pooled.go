package storage

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrent calls into the backing engine.
const DefaultPoolSize = 16

// PooledEngine limits concurrent access to another Engine.
//
// Callers beyond the pool size queue in FIFO order on a weighted semaphore
// and give up when their context is cancelled. Migration sweeps and request
// traffic share the same pool, so a sweep can never open more than Size
// concurrent operations against the backing store.
type PooledEngine struct {
	inner Engine
	sem   *semaphore.Weighted
	size  int64

	inFlight atomic.Int64
	queued   atomic.Int64
	served   atomic.Int64
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Size     int64
	InFlight int64
	Queued   int64
	Served   int64
}

// NewPooledEngine wraps inner with a pool of the given size.
// A size below 1 uses DefaultPoolSize.
func NewPooledEngine(inner Engine, size int) *PooledEngine {
	if size < 1 {
		size = DefaultPoolSize
	}
	return &PooledEngine{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(size)),
		size:  int64(size),
	}
}

// Unwrap returns the backing engine.
func (p *PooledEngine) Unwrap() Engine { return p.inner }

// Stats returns current pool usage.
func (p *PooledEngine) Stats() PoolStats {
	return PoolStats{
		Size:     p.size,
		InFlight: p.inFlight.Load(),
		Queued:   p.queued.Load(),
		Served:   p.served.Load(),
	}
}

func (p *PooledEngine) acquire(ctx context.Context) (func(), error) {
	if !p.sem.TryAcquire(1) {
		p.queued.Add(1)
		err := p.sem.Acquire(ctx, 1)
		p.queued.Add(-1)
		if err != nil {
			return nil, err
		}
	}
	p.inFlight.Add(1)
	return func() {
		p.inFlight.Add(-1)
		p.served.Add(1)
		p.sem.Release(1)
	}, nil
}

func (p *PooledEngine) PutRecord(ctx context.Context, rec *Record) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.inner.PutRecord(ctx, rec)
}

func (p *PooledEngine) GetRecord(ctx context.Context, key string) (*Record, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.inner.GetRecord(ctx, key)
}

func (p *PooledEngine) DeleteRecord(ctx context.Context, key string) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.inner.DeleteRecord(ctx, key)
}

func (p *PooledEngine) ScanTier(ctx context.Context, tier Tier, afterKey string, limit int) ([]*Record, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.inner.ScanTier(ctx, tier, afterKey, limit)
}

func (p *PooledEngine) AllKeys(ctx context.Context) ([]string, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.inner.AllKeys(ctx)
}

func (p *PooledEngine) RemoveTierIndex(ctx context.Context, tier Tier, key string) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.inner.RemoveTierIndex(ctx, tier, key)
}

func (p *PooledEngine) PutConflict(ctx context.Context, c *ConflictRecord) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.inner.PutConflict(ctx, c)
}

func (p *PooledEngine) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.inner.GetConflict(ctx, id)
}

func (p *PooledEngine) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.inner.ListConflicts(ctx)
}

func (p *PooledEngine) DeleteConflict(ctx context.Context, id string) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.inner.DeleteConflict(ctx, id)
}

// Close closes the backing engine without waiting for queued callers.
func (p *PooledEngine) Close() error {
	return p.inner.Close()
}

var _ Engine = (*PooledEngine)(nil)
