package validation

import (
	"sort"

	"github.com/orneryd/tierstore/pkg/storage"
)

// DefaultThreshold is the minimum combined score for a write to pass.
const DefaultThreshold = 0.85

// scoreEpsilon absorbs float error when a score lands exactly on the threshold.
const scoreEpsilon = 1e-9

// Decision is the aggregate outcome for one request.
type Decision struct {
	Score     float64
	Passed    bool
	Threshold float64
	Results   []Result
	// Weights actually applied, by validator name, summing to 1.
	Weights map[string]float64
	// ClaimScores is the combined score of each claim.
	ClaimScores map[string]float64
}

// ClaimPassed reports whether the claim's combined score meets the threshold.
// Unknown claims fall back to the overall decision.
func (d Decision) ClaimPassed(id string) bool {
	s, ok := d.ClaimScores[id]
	if !ok {
		return d.Passed
	}
	return len(d.Results) > 0 && s+scoreEpsilon >= d.Threshold
}

// Unanimous reports whether every validator voted valid and the
// decision passed.
func (d Decision) Unanimous() bool {
	if !d.Passed {
		return false
	}
	for _, r := range d.Results {
		if !r.IsValid {
			return false
		}
	}
	return true
}

// Conflicting returns the results that argue against the write: invalid
// votes and votes scoring below the threshold.
func (d Decision) Conflicting() []Result {
	var out []Result
	for _, r := range d.Results {
		if !r.IsValid || r.Score+scoreEpsilon < d.Threshold {
			out = append(out, r)
		}
	}
	return out
}

// Votes returns every result in persisted form.
func (d Decision) Votes() []storage.Vote {
	out := make([]storage.Vote, len(d.Results))
	for i, r := range d.Results {
		out[i] = r.Vote()
	}
	return out
}

// Aggregator combines validator results with a weighted average.
// It is immutable; build a new one to change threshold or weights.
type Aggregator struct {
	threshold float64
	weights   map[string]float64
}

// NewAggregator creates an aggregator. Weights are keyed by validator name;
// a nil or empty map means equal weighting.
func NewAggregator(threshold float64, weights map[string]float64) *Aggregator {
	return &Aggregator{threshold: threshold, weights: copyScores(weights)}
}

// Threshold returns the pass threshold.
func (a *Aggregator) Threshold() float64 { return a.threshold }

// Aggregate combines results. Per-claim scores are computed for every claim
// id any validator scored.
func (a *Aggregator) Aggregate(results []Result) Decision {
	seen := make(map[string]struct{})
	for _, r := range results {
		for id := range r.ClaimScores {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return a.AggregateClaims(results, ids)
}

// AggregateClaims combines results and scores each of claimIDs.
//
// With zero results the decision is a hard fail with score 0: absence of
// evidence never approves a write.
func (a *Aggregator) AggregateClaims(results []Result, claimIDs []string) Decision {
	d := Decision{
		Threshold:   a.threshold,
		Results:     results,
		ClaimScores: make(map[string]float64, len(claimIDs)),
	}
	if len(results) == 0 {
		for _, id := range claimIDs {
			d.ClaimScores[id] = 0
		}
		return d
	}

	d.Weights = a.resolveWeights(results)
	for _, r := range results {
		d.Score += d.Weights[r.Validator] * storage.ClampTrust(r.Score)
	}
	d.Score = storage.ClampTrust(d.Score)
	d.Passed = d.Score+scoreEpsilon >= a.threshold

	for _, id := range claimIDs {
		var s float64
		for _, r := range results {
			cs, ok := r.ClaimScores[id]
			if !ok {
				cs = r.Score
			}
			s += d.Weights[r.Validator] * storage.ClampTrust(cs)
		}
		d.ClaimScores[id] = storage.ClampTrust(s)
	}
	return d
}

// resolveWeights normalises configured weights over the validators present.
// Present validators without a configured weight share what is left of 1.0
// equally; if nothing is left, or every weight is zero, all present
// validators are weighted equally.
func (a *Aggregator) resolveWeights(results []Result) map[string]float64 {
	out := make(map[string]float64, len(results))
	var assigned float64
	var missing []string
	for _, r := range results {
		if w, ok := a.weights[r.Validator]; ok {
			out[r.Validator] = w
			assigned += w
		} else {
			missing = append(missing, r.Validator)
		}
	}
	if len(missing) > 0 {
		left := 1 - assigned
		if left < 0 {
			left = 0
		}
		if len(missing) == len(results) {
			left = 1
		}
		for _, n := range missing {
			out[n] = left / float64(len(missing))
		}
	}

	var sum float64
	for _, w := range out {
		sum += w
	}
	if sum <= 0 {
		for _, r := range results {
			out[r.Validator] = 1 / float64(len(results))
		}
		return out
	}
	for n, w := range out {
		out[n] = w / sum
	}
	return out
}
