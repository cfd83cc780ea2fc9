package storage

import "time"

// ConflictAction is what the conflict resolver did with a failed write.
type ConflictAction string

const (
	ActionRejected         ConflictAction = "rejected"
	ActionStaged           ConflictAction = "staged"
	ActionPartiallyApplied ConflictAction = "partially_applied"
)

// ConflictStatus tracks manual review of a conflict.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictApproved  ConflictStatus = "approved"
	ConflictDiscarded ConflictStatus = "discarded"
	// ConflictLogged marks records kept for audit only (strict rejections
	// and soft remainders). They are not offered for review.
	ConflictLogged ConflictStatus = "logged"
)

// Vote is the persisted form of one validator's judgement.
type Vote struct {
	Validator   string             `json:"validator"`
	Score       float64            `json:"score"`
	Rationale   string             `json:"rationale"`
	IsValid     bool               `json:"is_valid"`
	ClaimScores map[string]float64 `json:"claim_scores,omitempty"`
}

// ConflictRecord is a write that did not pass the trust gate unanimously.
type ConflictRecord struct {
	ID            string             `json:"id"`
	Key           string             `json:"key"`
	Attempted     Mutation           `json:"attempted_mutation"`
	BaseVersion   int64              `json:"base_version"`
	Conflicts     []Vote             `json:"conflicts"`
	ClaimScores   map[string]float64 `json:"claim_scores,omitempty"`
	RejectedClaim []string           `json:"rejected_claims,omitempty"`
	CombinedScore float64            `json:"combined_score"`
	Action        ConflictAction     `json:"resolution_action"`
	Status        ConflictStatus     `json:"status"`
	CreatedAt     time.Time          `json:"timestamp"`
	ExpiresAt     time.Time          `json:"expires_at"`
	ReviewedAt    time.Time          `json:"reviewed_at,omitempty"`
	ReviewedBy    string             `json:"reviewed_by,omitempty"`
}

// Expired reports whether the retention window has passed.
func (c *ConflictRecord) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy.
func (c *ConflictRecord) Clone() *ConflictRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.Attempted.Claims = make([]Claim, len(c.Attempted.Claims))
	for i, cl := range c.Attempted.Claims {
		cl.Vector = append([]float32(nil), cl.Vector...)
		out.Attempted.Claims[i] = cl
	}
	out.Conflicts = make([]Vote, len(c.Conflicts))
	for i, v := range c.Conflicts {
		v.ClaimScores = copyScores(v.ClaimScores)
		out.Conflicts[i] = v
	}
	out.ClaimScores = copyScores(c.ClaimScores)
	out.RejectedClaim = append([]string(nil), c.RejectedClaim...)
	return &out
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
