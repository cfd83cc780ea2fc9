// Package tiering decides which storage tier each record belongs in and
// runs the background sweeps that move records there.
//
// # Decision order
//
// EvaluateTier applies four rules, first match wins:
//
//  1. trust < MinTrustForPromotion                     → COLD
//  2. hourly >= HotMinHourlyAccesses && trust >= floor → HOT
//  3. idle days >= ColdAfterDaysInactive               → COLD
//  4. otherwise                                        → WARM
//
// Rule 1 dominates: low-trust data never occupies the fastest tier, however
// often it is read.
//
// Example:
//
//	p := tiering.DefaultPolicy()
//	rec := &storage.Record{Key: "doc:42", TrustScore: 0.92, Tier: storage.TierWarm}
//	stats := temporal.AccessStats{HourlyCount: 120, LastAccessed: time.Now()}
//	p.EvaluateTier(rec, stats, time.Now()) // storage.TierHot
package tiering

import (
	"fmt"
	"time"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/temporal"
)

// Policy holds the tier thresholds for one sweep. It is a value type: a
// sweep copies it once and never observes a reconfiguration mid-run.
type Policy struct {
	MinTrustForPromotion  float64
	HotTrustFloor         float64
	HotMinHourlyAccesses  int64
	ColdAfterDaysInactive float64
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinTrustForPromotion:  0.6,
		HotTrustFloor:         0.9,
		HotMinHourlyAccesses:  100,
		ColdAfterDaysInactive: 5,
	}
}

// PolicyFromConfig converts configured thresholds.
func PolicyFromConfig(t config.TierThresholds) Policy {
	return Policy{
		MinTrustForPromotion:  t.MinTrustForPromotion,
		HotTrustFloor:         t.HotTrustFloor,
		HotMinHourlyAccesses:  t.HotMinHourlyAccesses,
		ColdAfterDaysInactive: t.ColdAfterDaysInactive,
	}
}

// Evaluation is a tier decision with the rule that produced it.
type Evaluation struct {
	Target storage.Tier
	Reason string
}

// EvaluateTier returns the tier rec should occupy.
func (p Policy) EvaluateTier(rec *storage.Record, stats temporal.AccessStats, now time.Time) storage.Tier {
	return p.Evaluate(rec, stats, now).Target
}

// Evaluate returns the tier decision and its reason.
//
// When the tracker has no last access for the key (for example after a
// restart) the record's persisted LastAccessed is used instead. A key with
// no known access at all is never demoted for inactivity.
func (p Policy) Evaluate(rec *storage.Record, stats temporal.AccessStats, now time.Time) Evaluation {
	if stats.LastAccessed.IsZero() {
		stats.LastAccessed = rec.LastAccessed
	}
	trust := storage.ClampTrust(rec.TrustScore)

	if trust < p.MinTrustForPromotion {
		return Evaluation{storage.TierCold, fmt.Sprintf("trust %.2f below promotion floor %.2f", trust, p.MinTrustForPromotion)}
	}
	if stats.IsPromotionCandidate(p.HotMinHourlyAccesses) && trust >= p.HotTrustFloor {
		return Evaluation{storage.TierHot, fmt.Sprintf("%d accesses/h with trust %.2f", stats.HourlyCount, trust)}
	}
	if stats.IsDemotionCandidate(p.ColdAfterDaysInactive, now) {
		return Evaluation{storage.TierCold, fmt.Sprintf("inactive %.1f days", stats.DaysSinceLastAccess(now))}
	}
	return Evaluation{storage.TierWarm, "default"}
}
