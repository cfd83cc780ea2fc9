// Package storage provides the record model and storage engines for tierstore.
//
// The package holds three kinds of knowledge under one key space:
//   - Documents: text plus string metadata
//   - Vectors: a float32 embedding with a declared dimensionality
//   - Edges: a typed relationship between two other record keys
//
// Every record carries a trust score, a storage tier (HOT/WARM/COLD), access
// counters and an append-only update history. Engines only persist what they
// are given; validation, tiering decisions and version bookkeeping live in
// the knowledge facade.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	rec := &storage.Record{
//		Key:     "doc:42",
//		Kind:    storage.KindDocument,
//		Payload: storage.Payload{Text: "Badger is an LSM key-value store"},
//		Tier:    storage.TierWarm,
//		Version: 1,
//	}
//	err := engine.PutRecord(ctx, rec)
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by storage engines.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
)

// Kind identifies which payload fields of a record are meaningful.
type Kind string

const (
	// KindDocument is text with metadata.
	KindDocument Kind = "DOCUMENT"
	// KindVector is an embedding with a declared dimensionality.
	KindVector Kind = "VECTOR"
	// KindEdge is a relationship between two record keys.
	KindEdge Kind = "EDGE"
)

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DOCUMENT", "DOC":
		return KindDocument, nil
	case "VECTOR":
		return KindVector, nil
	case "EDGE":
		return KindEdge, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// Tier is the storage class of a record.
type Tier string

const (
	// TierHot records are served from the in-process cache.
	TierHot Tier = "HOT"
	// TierWarm is the default tier for new records.
	TierWarm Tier = "WARM"
	// TierCold records are stored compressed and never cached.
	TierCold Tier = "COLD"
)

// AllTiers lists tiers from fastest to slowest.
var AllTiers = []Tier{TierHot, TierWarm, TierCold}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HOT":
		return TierHot, nil
	case "WARM":
		return TierWarm, nil
	case "COLD":
		return TierCold, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Payload is the kind-specific content of a record.
type Payload struct {
	Text       string            `json:"text,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float32         `json:"vector,omitempty"`
	Dimensions int               `json:"dimensions,omitempty"`
	Source     string            `json:"source,omitempty"`
	Target     string            `json:"target,omitempty"`
	Relation   string            `json:"relation,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	if p.Vector != nil {
		out.Vector = make([]float32, len(p.Vector))
		copy(out.Vector, p.Vector)
	}
	return out
}

// Check verifies that the payload is complete for the given kind.
func (p Payload) Check(kind Kind) error {
	switch kind {
	case KindDocument:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: document requires text", ErrInvalidData)
		}
	case KindVector:
		if p.Dimensions <= 0 || len(p.Vector) != p.Dimensions {
			return fmt.Errorf("%w: vector has %d values, declared %d", ErrInvalidData, len(p.Vector), p.Dimensions)
		}
	case KindEdge:
		if p.Source == "" || p.Target == "" || p.Relation == "" {
			return fmt.Errorf("%w: edge requires source, target and relation", ErrInvalidData)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidData, kind)
	}
	return nil
}

// HistoryEntry is one prior version of a record.
type HistoryEntry struct {
	Version   int64     `json:"version"`
	Payload   Payload   `json:"payload"`
	Trust     float64   `json:"trust_score"`
	Tier      Tier      `json:"tier"`
	Reason    string    `json:"reason"`
	ChangedAt time.Time `json:"changed_at"`
}

// Record is the atomic unit of knowledge.
//
// Invariants maintained by the knowledge facade:
//   - Version strictly increases on every accepted mutation or tier move
//   - UpdateHistory grows by exactly one entry per version bump
//   - TrustScore is always within [0, 1]
type Record struct {
	Key           string         `json:"key"`
	Kind          Kind           `json:"kind"`
	Payload       Payload        `json:"payload"`
	TrustScore    float64        `json:"trust_score"`
	Tier          Tier           `json:"tier"`
	AccessHourly  int64          `json:"access_count_hourly"`
	AccessDaily   int64          `json:"access_count_daily"`
	LastAccessed  time.Time      `json:"last_accessed"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	UpdateHistory []HistoryEntry `json:"update_history,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate engine state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = r.Payload.Clone()
	if r.UpdateHistory != nil {
		out.UpdateHistory = make([]HistoryEntry, len(r.UpdateHistory))
		for i, h := range r.UpdateHistory {
			h.Payload = h.Payload.Clone()
			out.UpdateHistory[i] = h
		}
	}
	return &out
}

// Snapshot captures the current state as a history entry.
func (r *Record) Snapshot(reason string, at time.Time) HistoryEntry {
	return HistoryEntry{
		Version:   r.Version,
		Payload:   r.Payload.Clone(),
		Trust:     r.TrustScore,
		Tier:      r.Tier,
		Reason:    reason,
		ChangedAt: at,
	}
}

// ClampTrust bounds a trust score to [0, 1]. NaN maps to 0.
func ClampTrust(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Engine is the persistence contract used by the knowledge facade.
//
// Engines are thread-safe. Records returned are deep copies. ScanTier walks
// the tier index in key order starting strictly after afterKey; index entries
// may be stale after a tier move until RemoveTierIndex runs, so callers
// filter on Record.Tier.
type Engine interface {
	PutRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, key string) (*Record, error)
	DeleteRecord(ctx context.Context, key string) error
	ScanTier(ctx context.Context, tier Tier, afterKey string, limit int) ([]*Record, error)
	AllKeys(ctx context.Context) ([]string, error)
	RemoveTierIndex(ctx context.Context, tier Tier, key string) error

	PutConflict(ctx context.Context, c *ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListConflicts(ctx context.Context) ([]*ConflictRecord, error)
	DeleteConflict(ctx context.Context, id string) error

	Close() error
}
