package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/storage"
)

func (s *Store) accessLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.accessCh:
			s.applyAccess(ev)
		}
	}
}

func (s *Store) applyAccess(ev accessEvent) {
	if ev.done != nil {
		close(ev.done)
		return
	}
	s.tracker.RecordAccessAt(ev.key, ev.at)
	s.markDirty(ev.key)
}

// drainAccess applies events still queued after the access loop stopped.
func (s *Store) drainAccess() {
	for {
		select {
		case ev := <-s.accessCh:
			s.applyAccess(ev)
		default:
			return
		}
	}
}

// recordAccess queues an access without blocking. Events are dropped when
// the queue is full.
func (s *Store) recordAccess(key string) {
	select {
	case s.accessCh <- accessEvent{key: key, at: s.now()}:
	default:
		s.accessDropped.Add(1)
	}
}

// FlushAccess waits until every access queued before the call has been
// recorded by the tracker.
func (s *Store) FlushAccess(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.accessCh <- accessEvent{done: done}:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) markDirty(key string) {
	s.dirtyMu.Lock()
	s.dirty[key] = struct{}{}
	s.dirtyMu.Unlock()
}

func (s *Store) takeDirty() []string {
	s.dirtyMu.Lock()
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	clear(s.dirty)
	s.dirtyMu.Unlock()
	sort.Strings(keys)
	return keys
}

// PersistAccess writes the tracker's live access metadata (last access,
// hourly and daily counts) back to every record read since the previous
// write-back, so inactivity survives a restart. Access metadata is not a
// content change: the version and history are left alone.
//
// It runs periodically, before every sweep and on Close. Keys that fail
// are retried by the next write-back. Returns the number of records written.
func (s *Store) PersistAccess(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.persistAccess(ctx)
}

func (s *Store) persistAccess(ctx context.Context) (int, error) {
	keys := s.takeDirty()
	written := 0
	var errs []error
	for i, key := range keys {
		if ctx.Err() != nil {
			for _, k := range keys[i:] {
				s.markDirty(k)
			}
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.writeBackAccess(ctx, key)
		if err != nil {
			s.markDirty(key)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if ok {
			written++
		}
	}
	s.accessFlushed.Add(int64(written))
	if len(errs) > 0 {
		return written, persistenceError("access write-back", fmt.Sprintf("(%d failed)", len(errs)), errors.Join(errs...))
	}
	if written > 0 {
		s.logger.Debug("access metadata written back", zap.Int("records", written))
	}
	return written, nil
}

// writeBackAccess persists live counters for key under the key lock, so it
// never overwrites a concurrent write or tier move.
func (s *Store) writeBackAccess(ctx context.Context, key string) (bool, error) {
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.engine.GetRecord(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	next := rec.Clone()
	s.overlayAccess(next)
	if next.LastAccessed.Equal(rec.LastAccessed) &&
		next.AccessHourly == rec.AccessHourly &&
		next.AccessDaily == rec.AccessDaily {
		return false, nil
	}
	if err := s.engine.PutRecord(ctx, next); err != nil {
		return false, err
	}
	if s.hot.Contains(key) {
		s.hot.Add(key, next)
	}
	return true, nil
}

func (s *Store) flushLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.persistAccess(context.Background()); err != nil {
				s.logger.Warn("access write-back failed", zap.Error(err))
			}
		}
	}
}
