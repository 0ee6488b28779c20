package service

import (
	"encoding/json"
	"math"
	"time"

	"braid/internal/domain"

	"go.uber.org/zap"
)

const (
	// DefaultPromoteThreshold is the raw score at which a bead leaves probation.
	DefaultPromoteThreshold = 0.75
	// DefaultTrustHalfLife controls read-time decay.
	DefaultTrustHalfLife = 24 * time.Hour
	// defaultProvenanceWeight applies when a provenance kind has no entry in
	// the weight table.
	defaultProvenanceWeight = 0.85
)

// defaultProvenanceWeights rates how much each origin is trusted a priori.
var defaultProvenanceWeights = map[string]float64{
	"user":       1.0,
	"assistant":  0.85,
	"tool":       0.95,
	"perception": 0.9,
	"system":     0.8,
	"dream":      0.6,
}

// TrustEngine scores derived memory from evidence deltas, test results and
// provenance. Scoring is deterministic; decay is read-time only and never
// rewrites a stored score.
type TrustEngine struct {
	promoteThreshold float64
	halfLife         time.Duration
	provWeights      map[string]float64
	logger           *zap.Logger
}

// NewTrustEngine builds an engine. weightsJSON is a {provenance_kind: weight}
// table kept as JSON so it can be overridden with a single env var; invalid
// JSON falls back to the defaults.
func NewTrustEngine(promoteThreshold float64, halfLife time.Duration, weightsJSON string, logger *zap.Logger) *TrustEngine {
	if promoteThreshold <= 0 {
		promoteThreshold = DefaultPromoteThreshold
	}
	if halfLife < time.Second {
		halfLife = time.Second
	}

	weights := defaultProvenanceWeights
	if weightsJSON != "" {
		parsed := map[string]float64{}
		if err := json.Unmarshal([]byte(weightsJSON), &parsed); err != nil {
			logger.Warn("invalid provenance weights json, using defaults", zap.Error(err))
		} else {
			weights = parsed
		}
	}

	return &TrustEngine{
		promoteThreshold: promoteThreshold,
		halfLife:         halfLife,
		provWeights:      weights,
		logger:           logger,
	}
}

// ScoreForBead rates a bead write from its evidence.
//
//	evidence_mean = mean delta confidence (0.5 when no evidence)
//	tests_mean    = mean test score (0.5 when no tests)
//	raw           = (0.5*evidence_mean + 0.5*tests_mean), halved when any test
//	                failed, times the provenance weight, clamped to [0,1]
//
// State is promoted iff raw clears the threshold and nothing failed;
// otherwise probation. Demotion is never produced here.
func (e *TrustEngine) ScoreForBead(evidence []domain.Delta, tests []domain.TestResult, provKind domain.ProvenanceKind, createdAt time.Time) domain.TrustScore {
	evidenceMean := 0.5
	if len(evidence) > 0 {
		sum := 0.0
		for _, d := range evidence {
			sum += d.Confidence
		}
		evidenceMean = sum / float64(len(evidence))
	}

	testsMean := 0.5
	anyFailed := false
	if len(tests) > 0 {
		sum := 0.0
		for _, t := range tests {
			sum += t.Score
			if !t.Passed {
				anyFailed = true
			}
		}
		testsMean = sum / float64(len(tests))
	}

	provWeight, ok := e.provWeights[string(provKind)]
	if !ok {
		provWeight = defaultProvenanceWeight
	}

	raw := 0.5*evidenceMean + 0.5*testsMean
	if anyFailed {
		raw *= 0.5
	}
	raw *= provWeight
	raw = clamp01(raw)

	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	decayed := clamp01(e.DecayScore(raw, createdAt, time.Now().UTC()))

	state := domain.TrustProbation
	if raw >= e.promoteThreshold && !anyFailed {
		state = domain.TrustPromoted
	}

	return domain.TrustScore{
		Score:        raw,
		DecayedScore: decayed,
		State:        state,
		Details: map[string]any{
			"evidence_mean_confidence": evidenceMean,
			"tests_mean_score":         testsMean,
			"any_test_failed":          anyFailed,
			"provenance_weight":        provWeight,
			"promote_threshold":        e.promoteThreshold,
			"half_life_seconds":        int(e.halfLife.Seconds()),
			"created_ts":               createdAt.Format(time.RFC3339Nano),
		},
	}
}

// DecayScore applies half-life decay at read time: score * 0.5^(age/halfLife).
// Future timestamps decay by zero.
func (e *TrustEngine) DecayScore(score float64, createdAt, now time.Time) float64 {
	age := now.Sub(createdAt).Seconds()
	if age < 0 {
		age = 0
	}
	return clamp01(score * math.Pow(0.5, age/e.halfLife.Seconds()))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
