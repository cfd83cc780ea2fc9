package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ClaimField names the payload field a claim sets.
type ClaimField string

const (
	FieldText     ClaimField = "text"
	FieldMeta     ClaimField = "meta"
	FieldVector   ClaimField = "vector"
	FieldSource   ClaimField = "source"
	FieldTarget   ClaimField = "target"
	FieldRelation ClaimField = "relation"
)

// Claim is one independently judged piece of a mutation.
//
// A batch write is a list of claims; under the soft conflict mode only the
// claims that individually pass the trust gate are applied.
type Claim struct {
	ID      string     `json:"id"`
	Field   ClaimField `json:"field"`
	MetaKey string     `json:"meta_key,omitempty"`
	Value   string     `json:"value,omitempty"`
	Vector  []float32  `json:"vector,omitempty"`
}

// AllowedFor reports whether the claim can target a record of the given kind.
func (c Claim) AllowedFor(kind Kind) bool {
	switch c.Field {
	case FieldMeta:
		return c.MetaKey != ""
	case FieldText:
		return kind == KindDocument
	case FieldVector:
		return kind == KindVector
	case FieldSource, FieldTarget, FieldRelation:
		return kind == KindEdge
	}
	return false
}

// Apply merges the claim into p.
func (c Claim) Apply(p *Payload) {
	switch c.Field {
	case FieldText:
		p.Text = c.Value
	case FieldMeta:
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		if c.Value == "" {
			delete(p.Metadata, c.MetaKey)
		} else {
			p.Metadata[c.MetaKey] = c.Value
		}
	case FieldVector:
		p.Vector = append([]float32(nil), c.Vector...)
		p.Dimensions = len(c.Vector)
	case FieldSource:
		p.Source = c.Value
	case FieldTarget:
		p.Target = c.Value
	case FieldRelation:
		p.Relation = c.Value
	}
}

// Caller identifies who proposed a mutation. Authentication happens upstream;
// the store only records the identity.
type Caller struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
}

// Mutation is a proposed change to one record.
//
// ExpectedVersion is optional optimistic concurrency: when non-zero the
// write is rejected unless the live record is at that version.
type Mutation struct {
	Key             string    `json:"key"`
	Kind            Kind      `json:"kind"`
	Claims          []Claim   `json:"claims"`
	Caller          Caller    `json:"caller"`
	ExpectedVersion int64     `json:"expected_version,omitempty"`
	ProposedAt      time.Time `json:"proposed_at"`
}

// Check validates the structure of the mutation, not its trustworthiness.
func (m *Mutation) Check() error {
	if m == nil {
		return ErrInvalidData
	}
	if strings.TrimSpace(m.Key) == "" {
		return ErrInvalidID
	}
	if len(m.Claims) == 0 {
		return fmt.Errorf("%w: mutation has no claims", ErrInvalidData)
	}
	seen := make(map[string]struct{}, len(m.Claims))
	for i, c := range m.Claims {
		if c.ID == "" {
			return fmt.Errorf("%w: claim %d has no id", ErrInvalidData, i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate claim id %q", ErrInvalidData, c.ID)
		}
		seen[c.ID] = struct{}{}
		if !c.AllowedFor(m.Kind) {
			return fmt.Errorf("%w: claim %q field %q not valid for %s", ErrInvalidData, c.ID, c.Field, m.Kind)
		}
	}
	return nil
}

// ClaimIDs returns the claim ids in mutation order.
func (m *Mutation) ClaimIDs() []string {
	ids := make([]string, len(m.Claims))
	for i, c := range m.Claims {
		ids[i] = c.ID
	}
	return ids
}

// Subset returns a copy of the mutation keeping only the named claims.
func (m *Mutation) Subset(ids map[string]bool) *Mutation {
	out := *m
	out.Claims = nil
	for _, c := range m.Claims {
		if ids[c.ID] {
			out.Claims = append(out.Claims, c)
		}
	}
	return &out
}

// ApplyClaims returns base merged with the given claims in mutation order.
func ApplyClaims(base Payload, claims []Claim) Payload {
	out := base.Clone()
	for _, c := range claims {
		c.Apply(&out)
	}
	return out
}

// DocumentMutation builds a mutation that sets text and metadata.
func DocumentMutation(key, text string, meta map[string]string) *Mutation {
	m := &Mutation{Key: key, Kind: KindDocument}
	if text != "" {
		m.Claims = append(m.Claims, Claim{ID: "text", Field: FieldText, Value: text})
	}
	m.Claims = append(m.Claims, metaClaims(meta)...)
	return m
}

// VectorMutation builds a mutation that replaces the embedding.
func VectorMutation(key string, vec []float32, meta map[string]string) *Mutation {
	m := &Mutation{Key: key, Kind: KindVector}
	m.Claims = append(m.Claims, Claim{ID: "vector", Field: FieldVector, Vector: append([]float32(nil), vec...)})
	m.Claims = append(m.Claims, metaClaims(meta)...)
	return m
}

// EdgeMutation builds a mutation that sets a relationship.
func EdgeMutation(key, source, relation, target string) *Mutation {
	return &Mutation{
		Key:  key,
		Kind: KindEdge,
		Claims: []Claim{
			{ID: "source", Field: FieldSource, Value: source},
			{ID: "relation", Field: FieldRelation, Value: relation},
			{ID: "target", Field: FieldTarget, Value: target},
		},
	}
}

func metaClaims(meta map[string]string) []Claim {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Claim, 0, len(keys))
	for _, k := range keys {
		out = append(out, Claim{ID: "meta:" + k, Field: FieldMeta, MetaKey: k, Value: meta[k]})
	}
	return out
}
