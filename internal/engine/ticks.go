package engine

import (
	"context"
	"time"

	"braid/internal/domain"
	"braid/internal/service"
)

// ReplayTick is the memory-replay consolidation pass. Gated on the latest
// knot id: if nothing new was committed since the last pass, it is a no-op.
// The gate is an idempotence hint, not a lock; duplicate processing under
// heavy concurrency is tolerated.
func (e *Engine) ReplayTick(ctx context.Context) error {
	knot, fresh, err := e.takeNewKnot(ctx, &e.lastReplayKnotID)
	if err != nil || !fresh {
		return err
	}

	var sourceBead map[string]any
	beads, err := e.store.GetRecentBeadVersions(ctx, domain.BeadTypeMemory, 25)
	if err != nil {
		return err
	}
	for i := len(beads) - 1; i >= 0; i-- {
		if kind, _ := beads[i].Data["kind"].(string); kind == service.BeadKindTurnSummary {
			sourceBead = beads[i].Data
			break
		}
	}

	evidence, err := e.store.GetRecentDeltas(ctx, 10)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	score := e.trust.ScoreForBead(evidence, nil, domain.ProvenanceDream, now)

	data := map[string]any{
		"kind":    service.BeadKindDreamReplay,
		"knot_id": knot.ID,
		"trust": map[string]any{
			"score":         score.Score,
			"decayed_score": score.DecayedScore,
			"state":         string(score.State),
			"created_ts":    now.Format(time.RFC3339Nano),
		},
	}
	if sourceBead != nil {
		data["replayed_summary"] = sourceBead
	}

	ref, err := e.store.UpsertBeadVersion(ctx, "dream:"+knot.ID, domain.BeadTypeMemory, data)
	if err != nil {
		return err
	}

	_, err = e.store.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindObservation,
		Provenance: domain.Provenance{Kind: domain.ProvenanceDream, KnotID: knot.ID},
		Confidence: score.Score,
		Payload: map[string]any{
			"event":    "dream_replay",
			"bead_ref": beadRefPayload(*ref),
		},
	})
	return err
}

// SelfTuneTick is the metacognition pass: from recent trust deltas it
// estimates average trust and test pass-rate, then nudges the fork knobs:
// stricter (higher) when evidence is weak, looser (lower) when both signals
// are strong. The result is written as a bead for the next turn to read.
func (e *Engine) SelfTuneTick(ctx context.Context) error {
	knot, fresh, err := e.takeNewKnot(ctx, &e.lastTuneKnotID)
	if err != nil || !fresh {
		return err
	}

	recent, err := e.store.GetRecentDeltas(ctx, 50)
	if err != nil {
		return err
	}

	trustSum, trustN := 0.0, 0
	testsTotal, testsPassed := 0, 0
	for _, d := range recent {
		if d.Kind != domain.DeltaKindTrust {
			continue
		}
		if t, ok := d.Payload["trust"].(map[string]any); ok {
			if v, ok := numeric(t["score"]); ok {
				trustSum += v
				trustN++
			}
		}
		if v, ok := numeric(d.Payload["tests_total"]); ok {
			testsTotal += int(v)
		}
		if v, ok := numeric(d.Payload["tests_passed"]); ok {
			testsPassed += int(v)
		}
	}

	avgTrust := 0.6
	if trustN > 0 {
		avgTrust = trustSum / float64(trustN)
	}
	passRate := 1.0
	if testsTotal > 0 {
		passRate = float64(testsPassed) / float64(testsTotal)
	}

	confirmationRequired, ttlKnots := e.effectiveForkParams(ctx)
	switch {
	case avgTrust < 0.5 || passRate < 0.7:
		confirmationRequired++
		ttlKnots += 2
	case avgTrust >= 0.75 && passRate >= 0.9:
		confirmationRequired--
		ttlKnots -= 2
	}
	confirmationRequired = clampInt(confirmationRequired, MinConfirmationRequired, MaxConfirmationRequired)
	ttlKnots = clampInt(ttlKnots, MinForkTTLKnots, MaxForkTTLKnots)

	_, err = e.store.UpsertBeadVersion(ctx, "metacog:fork_params", domain.BeadTypeMemory, map[string]any{
		"kind":                  service.BeadKindForkParams,
		"knot_id":               knot.ID,
		"confirmation_required": confirmationRequired,
		"pending_ttl_knots":     ttlKnots,
		"avg_trust":             avgTrust,
		"test_pass_rate":        passRate,
	})
	return err
}

// takeNewKnot compares the latest knot against the worker's last-seen id and
// claims it when new. lastSeen is guarded by the engine mutex.
func (e *Engine) takeNewKnot(ctx context.Context, lastSeen *string) (*domain.Knot, bool, error) {
	knots, err := e.store.GetRecentKnots(ctx, 1)
	if err != nil || len(knots) == 0 {
		return nil, false, err
	}
	latest := knots[len(knots)-1]

	e.mu.Lock()
	defer e.mu.Unlock()
	if *lastSeen == latest.ID {
		return nil, false, nil
	}
	*lastSeen = latest.ID
	return &latest, true, nil
}
