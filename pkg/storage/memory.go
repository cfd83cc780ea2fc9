// Package storage provides storage implementations.
// MemoryEngine is a thread-safe in-memory storage for testing and small datasets.
package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryEngine is an in-memory implementation of Engine.
// It's useful for:
// - Unit testing (no disk I/O)
// - Small knowledge bases that fit in RAM
type MemoryEngine struct {
	mu        sync.RWMutex
	records   map[string]*Record
	conflicts map[string]*ConflictRecord

	// Tier index: tier -> set of keys. Entries may outlive a tier move
	// until RemoveTierIndex is called, mirroring the badger layout.
	byTier map[Tier]map[string]struct{}

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	m := &MemoryEngine{
		records:   make(map[string]*Record),
		conflicts: make(map[string]*ConflictRecord),
		byTier:    make(map[Tier]map[string]struct{}, len(AllTiers)),
	}
	for _, t := range AllTiers {
		m.byTier[t] = make(map[string]struct{})
	}
	return m
}

// PutRecord creates or replaces a record.
func (m *MemoryEngine) PutRecord(ctx context.Context, rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.Key == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	idx, ok := m.byTier[rec.Tier]
	if !ok {
		return ErrInvalidData
	}
	// Deep copy to prevent external mutation
	m.records[rec.Key] = rec.Clone()
	idx[rec.Key] = struct{}{}
	return nil
}

// GetRecord retrieves a record by key.
func (m *MemoryEngine) GetRecord(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rec, exists := m.records[key]
	if !exists {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// DeleteRecord removes a record and its tier index entries.
func (m *MemoryEngine) DeleteRecord(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.records[key]; !exists {
		return ErrNotFound
	}
	delete(m.records, key)
	for _, idx := range m.byTier {
		delete(idx, key)
	}
	return nil
}

// ScanTier returns up to limit records indexed under tier with keys after afterKey.
func (m *MemoryEngine) ScanTier(ctx context.Context, tier Tier, afterKey string, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	idx, ok := m.byTier[tier]
	if !ok {
		return nil, ErrInvalidData
	}

	keys := make([]string, 0, len(idx))
	for k := range idx {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		if rec, ok := m.records[k]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// AllKeys returns every record key in sorted order.
func (m *MemoryEngine) AllKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// RemoveTierIndex drops a stale tier index entry. Removing the entry of the
// record's current tier is refused so cleanup can never hide a live record.
func (m *MemoryEngine) RemoveTierIndex(ctx context.Context, tier Tier, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if rec, ok := m.records[key]; ok && rec.Tier == tier {
		return nil
	}
	if idx, ok := m.byTier[tier]; ok {
		delete(idx, key)
	}
	return nil
}

// PutConflict stores a conflict record.
func (m *MemoryEngine) PutConflict(ctx context.Context, c *ConflictRecord) error {
	if c == nil {
		return ErrInvalidData
	}
	if c.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.conflicts[c.ID] = c.Clone()
	return nil
}

// GetConflict retrieves a conflict record by id.
func (m *MemoryEngine) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListConflicts returns all conflict records ordered by creation time.
func (m *MemoryEngine) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*ConflictRecord, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c.Clone())
	}
	sortConflicts(out)
	return out, nil
}

// DeleteConflict removes a conflict record.
func (m *MemoryEngine) DeleteConflict(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.conflicts[id]; !ok {
		return ErrNotFound
	}
	delete(m.conflicts, id)
	return nil
}

// Close closes the storage engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	m.conflicts = nil
	m.byTier = nil
	return nil
}

func sortConflicts(cs []*ConflictRecord) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

// Verify MemoryEngine implements Engine
var _ Engine = (*MemoryEngine)(nil)
