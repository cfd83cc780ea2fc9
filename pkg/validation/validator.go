// Package validation implements the trust gate in front of every write.
//
// A proposed mutation is scored by a set of independent validators, each
// judging it through its own lens (content consistency, relationship
// plausibility, embedding similarity, or an external model). The Pool runs
// them concurrently under a per-validator timeout, and the Aggregator folds
// their partial scores into one TrustDecision.
//
//	            ┌──────────────┐
//	mutation ──▶│     Pool     │──┬─▶ content       ─┐
//	            └──────────────┘  ├─▶ relationship  ─┼─▶ []Result ─▶ Aggregator ─▶ Decision
//	                              └─▶ embedding     ─┘
//
// A validator that errors, panics or times out never blocks the others: it
// is recorded as an invalid vote with score 0 and a rationale explaining the
// failure.
//
// Example:
//
//	reg := validation.NewRegistry()
//	_ = reg.Register(validation.NewContentConsistency())
//
//	pool := validation.NewPool(reg, 5*time.Second, logger)
//	results := pool.Validate(ctx, req)
//
//	agg := validation.NewAggregator(0.85, nil)
//	decision := agg.AggregateClaims(results, req.Mutation.ClaimIDs())
//	if decision.Passed {
//		// commit
//	}
package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orneryd/tierstore/pkg/storage"
)

// Errors returned by the validation package.
var (
	// ErrTimeout marks a validator that did not respond within its budget.
	// It never escapes the pool: the validator is recorded as an invalid vote.
	ErrTimeout = errors.New("validation timeout")

	ErrDuplicateValidator = errors.New("validator already registered")
	ErrUnknownValidator   = errors.New("unknown validator")
)

// PassMark is the score at or above which built-in validators consider
// their own judgement favourable.
const PassMark = 0.5

// Request is one proposed mutation under validation.
// It is created per write and discarded after resolution.
type Request struct {
	ID       string
	Mutation *storage.Mutation
	// Current is the live record, or nil when the key does not exist yet.
	Current *storage.Record
	// Proposed is Current's payload merged with every claim.
	Proposed storage.Payload
}

// NewRequest builds a request, computing the fully merged payload.
func NewRequest(id string, m *storage.Mutation, current *storage.Record) *Request {
	var base storage.Payload
	if current != nil {
		base = current.Payload
	}
	return &Request{
		ID:       id,
		Mutation: m,
		Current:  current,
		Proposed: storage.ApplyClaims(base, m.Claims),
	}
}

// PriorVersion returns the live version, or 0 for a new key.
func (r *Request) PriorVersion() int64 {
	if r.Current == nil {
		return 0
	}
	return r.Current.Version
}

// Result is one validator's partial judgement.
type Result struct {
	Validator string
	Score     float64
	Rationale string
	IsValid   bool
	// ClaimScores optionally scores individual claims by claim id.
	// Claims without an entry inherit Score.
	ClaimScores map[string]float64
	Duration    time.Duration
	Err         error
}

// Vote converts the result to its persisted form.
func (r Result) Vote() storage.Vote {
	return storage.Vote{
		Validator:   r.Validator,
		Score:       r.Score,
		Rationale:   r.Rationale,
		IsValid:     r.IsValid,
		ClaimScores: copyScores(r.ClaimScores),
	}
}

// Validator scores a proposed mutation through one domain lens.
//
// Implementations must be safe for concurrent use and should honour ctx:
// the pool stops waiting at the deadline, but a validator that ignores ctx
// keeps its goroutine alive until it returns.
type Validator interface {
	Name() string
	Score(ctx context.Context, req *Request) (Result, error)
}

// Selective is implemented by validators that only judge some mutations.
// The pool skips a selective validator when Applies returns false, so it
// neither votes nor carries weight for that request.
type Selective interface {
	Applies(req *Request) bool
}

// Registry holds validators keyed by name, in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Validator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Validator)}
}

// Register adds v. Names must be unique.
func (r *Registry) Register(v Validator) error {
	name := v.Name()
	if name == "" {
		return fmt.Errorf("validator has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, name)
	}
	r.byKey[name] = v
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers v and panics on error.
func (r *Registry) MustRegister(v Validator) {
	if err := r.Register(v); err != nil {
		panic(err)
	}
}

// Unregister removes the named validator.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, name)
	}
	delete(r.byKey, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the named validator.
func (r *Registry) Get(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byKey[name]
	return v, ok
}

// Names returns validator names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Validators returns a snapshot of the registered validators.
func (r *Registry) Validators() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Validator, len(r.order))
	for i, n := range r.order {
		out[i] = r.byKey[n]
	}
	return out
}

// Len returns the number of registered validators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func copyScores(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
