package domain

// TrustState is the lifecycle state of a trust score.
type TrustState string

const (
	TrustProbation TrustState = "probation"
	TrustPromoted  TrustState = "promoted"
	// TrustDemoted is part of the vocabulary but no transition produces it
	// yet; the demotion trigger is an open product decision.
	TrustDemoted TrustState = "demoted"
)

// TestResult is one post-hoc check run against a turn. Score is a numeric
// grade in [0,1]; Passed=false forces the trust penalty regardless of score.
type TestResult struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// TrustScore is a derived, time-decaying rating attached to a bead write or
// delta payload. It is computed fresh on attach; decay is read-time only and
// never rewrites the stored value.
type TrustScore struct {
	Score        float64        `json:"score"`
	DecayedScore float64        `json:"decayed_score"`
	State        TrustState     `json:"state"`
	Details      map[string]any `json:"details,omitempty"`
}
