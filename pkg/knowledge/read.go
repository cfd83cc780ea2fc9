package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/tierstore/pkg/storage"
)

// DefaultPageSize is used by FetchByTier when limit is not positive.
const DefaultPageSize = 100

// Page is one slice of a tier listing.
type Page struct {
	Tier    storage.Tier      `json:"tier"`
	Records []*storage.Record `json:"records"`
	// NextCursor resumes the listing after the last record. Empty when the
	// listing is complete.
	NextCursor string `json:"next_cursor,omitempty"`
}

// Read returns the record for key with its current tier.
//
// HOT records are served from the in-process cache. The access is recorded
// asynchronously; Read never blocks on the tracker and never moves tiers.
// It returns ErrNotFound for unknown keys and never a partial record.
func (s *Store) Read(ctx context.Context, key string) (*storage.Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, storage.ErrInvalidID
	}

	if cached, ok := s.hot.Get(key); ok {
		s.recordAccess(key)
		return s.withAccess(cached), nil
	}

	rec, err := s.engine.GetRecord(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, persistenceError("read", key, err)
	}
	s.recordAccess(key)
	if rec.Tier == storage.TierHot {
		s.warmHot(ctx, key)
	}
	return s.withAccess(rec), nil
}

// FetchRecord returns the read projection of key.
func (s *Store) FetchRecord(ctx context.Context, key string) (View, error) {
	rec, err := s.Read(ctx, key)
	if err != nil {
		return View{}, err
	}
	return View{
		Key:        rec.Key,
		Kind:       rec.Kind,
		Payload:    rec.Payload,
		Tier:       rec.Tier,
		TrustScore: rec.TrustScore,
		Version:    rec.Version,
	}, nil
}

// FetchByTier returns up to limit records currently in tier, in key order,
// starting after cursor. Pass the returned NextCursor to continue; listing
// stops when it is empty. Listing does not count as an access.
//
// A record moved out of tier while the listing is in progress is skipped.
// A record moved into tier behind the cursor is not revisited.
func (s *Store) FetchByTier(ctx context.Context, tier storage.Tier, cursor string, limit int) (Page, error) {
	if s.closed.Load() {
		return Page{}, ErrClosed
	}
	if _, err := storage.ParseTier(string(tier)); err != nil {
		return Page{}, fmt.Errorf("%w: %v", storage.ErrInvalidData, err)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	page := Page{Tier: tier, Records: make([]*storage.Record, 0, limit)}

	after := cursor
	for len(page.Records) < limit {
		want := limit - len(page.Records)
		batch, err := s.engine.ScanTier(ctx, tier, after, want)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Page{}, ctxErr
			}
			return Page{}, persistenceError("scan", string(tier), err)
		}
		for _, rec := range batch {
			after = rec.Key
			if rec.Tier != tier {
				s.scheduleCleanup(tier, rec.Key)
				continue
			}
			page.Records = append(page.Records, s.withAccess(rec))
		}
		if len(batch) < want {
			return page, nil
		}
	}
	page.NextCursor = after
	return page, nil
}

// Iterate calls fn for every record in tier, in key order, until fn returns
// an error or ctx is done.
func (s *Store) Iterate(ctx context.Context, tier storage.Tier, fn func(*storage.Record) error) error {
	cursor := ""
	for {
		page, err := s.FetchByTier(ctx, tier, cursor, DefaultPageSize)
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// Peek returns the stored record without recording an access.
func (s *Store) Peek(ctx context.Context, key string) (*storage.Record, error) {
	rec, err := s.engine.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.withAccess(rec), nil
}

// SweepKeys lists every stored key for the migration scheduler.
func (s *Store) SweepKeys(ctx context.Context) ([]string, error) {
	return s.engine.AllKeys(ctx)
}

// withAccess returns a copy of rec with live tracker counters. Persisted
// counters lag until the next access write-back.
func (s *Store) withAccess(rec *storage.Record) *storage.Record {
	out := rec.Clone()
	s.overlayAccess(out)
	return out
}

func (s *Store) overlayAccess(rec *storage.Record) {
	stats := s.tracker.Stats(rec.Key)
	if !stats.Tracked {
		return
	}
	rec.AccessHourly = stats.HourlyCount
	rec.AccessDaily = stats.DailyCount
	if stats.LastAccessed.After(rec.LastAccessed) {
		rec.LastAccessed = stats.LastAccessed
	}
}

// warmHot loads a HOT record into the cache after a miss, for example after
// a restart. It only runs when the key lock is free and re-reads under the
// lock, so it can never cache a version older than a concurrent write.
func (s *Store) warmHot(ctx context.Context, key string) {
	lock := s.locks.get(key)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()
	rec, err := s.engine.GetRecord(ctx, key)
	if err == nil && rec.Tier == storage.TierHot {
		s.hot.Add(key, rec)
	}
}
