package validation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/orneryd/tierstore/pkg/simd"
	"github.com/orneryd/tierstore/pkg/storage"
)

// Names of the built-in validators.
const (
	NameContent      = "content"
	NameRelationship = "relationship"
	NameEmbedding    = "embedding"
)

// ContentConsistency checks that claims fit the record kind, that text and
// metadata are well formed, and how far a text update drifts from the live
// version.
type ContentConsistency struct {
	MaxTextBytes       int
	MaxMetadataEntries int
	MaxMetaKeyBytes    int
	MaxMetaValueBytes  int
}

// NewContentConsistency returns the validator with default limits.
func NewContentConsistency() *ContentConsistency {
	return &ContentConsistency{
		MaxTextBytes:       1 << 20,
		MaxMetadataEntries: 64,
		MaxMetaKeyBytes:    128,
		MaxMetaValueBytes:  4096,
	}
}

func (c *ContentConsistency) Name() string { return NameContent }

func (c *ContentConsistency) Score(ctx context.Context, req *Request) (Result, error) {
	m := req.Mutation
	if req.Current != nil && req.Current.Kind != m.Kind {
		return Result{
			Score:       0,
			Rationale:   fmt.Sprintf("kind change %s -> %s", req.Current.Kind, m.Kind),
			ClaimScores: uniform(m, 0),
		}, nil
	}

	scores := make(map[string]float64, len(m.Claims))
	var notes []string
	for _, cl := range m.Claims {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		s, note := c.scoreClaim(req, cl)
		scores[cl.ID] = s
		if note != "" {
			notes = append(notes, cl.ID+": "+note)
		}
	}
	overall := mean(scores)

	if err := req.Proposed.Check(m.Kind); err != nil {
		overall = 0
		notes = append(notes, "incomplete record: "+err.Error())
	} else if len(req.Proposed.Metadata) > c.MaxMetadataEntries {
		overall = math.Min(overall, 0.3)
		notes = append(notes, fmt.Sprintf("%d metadata entries exceeds %d", len(req.Proposed.Metadata), c.MaxMetadataEntries))
	}

	return Result{
		Score:       overall,
		Rationale:   rationale(notes, "content consistent"),
		IsValid:     overall >= PassMark,
		ClaimScores: scores,
	}, nil
}

func (c *ContentConsistency) scoreClaim(req *Request, cl storage.Claim) (float64, string) {
	if !cl.AllowedFor(req.Mutation.Kind) {
		return 0, fmt.Sprintf("field %s not valid for %s", cl.Field, req.Mutation.Kind)
	}
	switch cl.Field {
	case storage.FieldText:
		text := strings.TrimSpace(cl.Value)
		if text == "" {
			return 0, "empty text"
		}
		if len(cl.Value) > c.MaxTextBytes {
			return 0, fmt.Sprintf("text exceeds %d bytes", c.MaxTextBytes)
		}
		if req.Current == nil || req.Current.Payload.Text == "" {
			return 1, ""
		}
		overlap := tokenOverlap(req.Current.Payload.Text, text)
		score := 0.8 + 0.2*overlap
		if overlap < 0.2 {
			return score, fmt.Sprintf("text rewritten (%.0f%% overlap)", overlap*100)
		}
		return score, ""
	case storage.FieldMeta:
		if len(cl.MetaKey) > c.MaxMetaKeyBytes {
			return 0, "metadata key too long"
		}
		if len(cl.Value) > c.MaxMetaValueBytes {
			return 0.3, "metadata value too long"
		}
		if cl.Value == "" {
			if req.Current == nil {
				return 0.5, "deleting metadata on a new record"
			}
			if _, ok := req.Current.Payload.Metadata[cl.MetaKey]; !ok {
				return 0.5, "deleting absent metadata"
			}
		}
		return 1, ""
	}
	return 1, ""
}

// KeyLookup reports whether a record key exists. The facade provides one
// backed by the store.
type KeyLookup interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// KeyLookupFunc adapts a function to KeyLookup.
type KeyLookupFunc func(ctx context.Context, key string) (bool, error)

func (f KeyLookupFunc) Exists(ctx context.Context, key string) (bool, error) { return f(ctx, key) }

var relationPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// RelationshipPlausibility judges edges: no self-loops, a well formed (and
// optionally whitelisted) relation, and endpoints that exist.
type RelationshipPlausibility struct {
	Lookup KeyLookup
	// Relations restricts relation types when non-empty.
	Relations map[string]bool
}

// NewRelationshipPlausibility creates the validator. lookup may be nil to
// skip endpoint checks.
func NewRelationshipPlausibility(lookup KeyLookup, relations ...string) *RelationshipPlausibility {
	v := &RelationshipPlausibility{Lookup: lookup}
	if len(relations) > 0 {
		v.Relations = make(map[string]bool, len(relations))
		for _, r := range relations {
			v.Relations[strings.ToUpper(r)] = true
		}
	}
	return v
}

func (v *RelationshipPlausibility) Name() string { return NameRelationship }

// Applies limits the validator to edge mutations.
func (v *RelationshipPlausibility) Applies(req *Request) bool {
	return req.Mutation.Kind == storage.KindEdge
}

func (v *RelationshipPlausibility) Score(ctx context.Context, req *Request) (Result, error) {
	p := req.Proposed
	scores := uniform(req.Mutation, 1)
	var notes []string

	lower := func(field storage.ClaimField, s float64, note string) {
		notes = append(notes, note)
		for _, cl := range req.Mutation.Claims {
			if cl.Field == field && scores[cl.ID] > s {
				scores[cl.ID] = s
			}
		}
	}

	if p.Source != "" && p.Source == p.Target {
		lower(storage.FieldSource, 0.1, "self-loop")
		lower(storage.FieldTarget, 0.1, "self-loop")
	}
	switch {
	case p.Relation == "":
	case !relationPattern.MatchString(p.Relation):
		lower(storage.FieldRelation, 0.3, fmt.Sprintf("malformed relation %q", p.Relation))
	case v.Relations != nil && !v.Relations[strings.ToUpper(p.Relation)]:
		lower(storage.FieldRelation, 0.2, fmt.Sprintf("unknown relation %q", p.Relation))
	}

	if v.Lookup != nil {
		for _, ep := range []struct {
			field storage.ClaimField
			key   string
		}{{storage.FieldSource, p.Source}, {storage.FieldTarget, p.Target}} {
			if ep.key == "" {
				continue
			}
			ok, err := v.Lookup.Exists(ctx, ep.key)
			if err != nil {
				return Result{}, fmt.Errorf("lookup %s: %w", ep.key, err)
			}
			if !ok {
				lower(ep.field, 0.2, fmt.Sprintf("%s %q does not exist", ep.field, ep.key))
			}
		}
	}

	overall := minScore(scores)
	return Result{
		Score:       overall,
		Rationale:   rationale(notes, "relationship plausible"),
		IsValid:     overall >= PassMark,
		ClaimScores: scores,
	}, nil
}

// SimilarityFunc returns the cosine similarity of two vectors in [-1, 1].
type SimilarityFunc func(a, b []float32) float32

// EmbeddingSimilarity checks vector claims for shape and numeric sanity,
// and scores an update by its similarity to the live embedding.
type EmbeddingSimilarity struct {
	Similarity SimilarityFunc
}

// NewEmbeddingSimilarity creates the validator. A nil fn uses
// simd.CosineSimilarity.
func NewEmbeddingSimilarity(fn SimilarityFunc) *EmbeddingSimilarity {
	if fn == nil {
		fn = simd.CosineSimilarity
	}
	return &EmbeddingSimilarity{Similarity: fn}
}

func (e *EmbeddingSimilarity) Name() string { return NameEmbedding }

// Applies limits the validator to vector mutations.
func (e *EmbeddingSimilarity) Applies(req *Request) bool {
	return req.Mutation.Kind == storage.KindVector
}

func (e *EmbeddingSimilarity) Score(ctx context.Context, req *Request) (Result, error) {
	scores := uniform(req.Mutation, 1)
	var notes []string
	for _, cl := range req.Mutation.Claims {
		if cl.Field != storage.FieldVector {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		s, note := e.scoreVector(req.Current, cl.Vector)
		scores[cl.ID] = s
		if note != "" {
			notes = append(notes, note)
		}
	}
	overall := minScore(scores)
	return Result{
		Score:       overall,
		Rationale:   rationale(notes, "embedding plausible"),
		IsValid:     overall >= PassMark,
		ClaimScores: scores,
	}, nil
}

func (e *EmbeddingSimilarity) scoreVector(current *storage.Record, vec []float32) (float64, string) {
	if len(vec) == 0 {
		return 0, "empty vector"
	}
	for _, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return 0, "vector contains NaN or Inf"
		}
	}
	if simd.Norm(vec) == 0 {
		return 0, "zero vector"
	}
	if current == nil || len(current.Payload.Vector) == 0 {
		return 1, ""
	}
	if len(current.Payload.Vector) != len(vec) {
		return 0.1, fmt.Sprintf("dimension change %d -> %d", len(current.Payload.Vector), len(vec))
	}
	sim := float64(e.Similarity(current.Payload.Vector, vec))
	score := (sim + 1) / 2
	if score < PassMark {
		return score, fmt.Sprintf("embedding diverges (cosine %.2f)", sim)
	}
	return score, ""
}

// Scorer is an external scoring capability, typically a model or embedding
// backend. It returns a score in [0,1] and a rationale.
type Scorer interface {
	ScoreMutation(ctx context.Context, req *Request) (float64, string, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req *Request) (float64, string, error)

func (f ScorerFunc) ScoreMutation(ctx context.Context, req *Request) (float64, string, error) {
	return f(ctx, req)
}

// ScorerValidator exposes an external Scorer as a Validator.
type ScorerValidator struct {
	name   string
	scorer Scorer
}

// NewScorerValidator wraps scorer under the given name.
func NewScorerValidator(name string, scorer Scorer) *ScorerValidator {
	return &ScorerValidator{name: name, scorer: scorer}
}

func (s *ScorerValidator) Name() string { return s.name }

func (s *ScorerValidator) Score(ctx context.Context, req *Request) (Result, error) {
	score, why, err := s.scorer.ScoreMutation(ctx, req)
	if err != nil {
		return Result{}, err
	}
	score = storage.ClampTrust(score)
	return Result{Score: score, Rationale: why, IsValid: score >= PassMark}, nil
}

// DefaultRegistry registers the built-in validators.
func DefaultRegistry(lookup KeyLookup) *Registry {
	reg := NewRegistry()
	reg.MustRegister(NewContentConsistency())
	reg.MustRegister(NewRelationshipPlausibility(lookup))
	reg.MustRegister(NewEmbeddingSimilarity(nil))
	return reg
}

func uniform(m *storage.Mutation, s float64) map[string]float64 {
	out := make(map[string]float64, len(m.Claims))
	for _, cl := range m.Claims {
		out[cl.ID] = s
	}
	return out
}

func mean(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func minScore(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	lo := 1.0
	for _, s := range scores {
		lo = math.Min(lo, s)
	}
	return lo
}

func rationale(notes []string, ok string) string {
	if len(notes) == 0 {
		return ok
	}
	return strings.Join(notes, "; ")
}

// tokenOverlap is the Jaccard similarity of lowercase word sets.
func tokenOverlap(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	var inter int
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,;:!?\"'()[]{}")] = true
	}
	delete(out, "")
	return out
}
