package engine

import (
	"context"
	"testing"

	"braid/internal/domain"
	"braid/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMemoryBead(t *testing.T, st domain.EventStore, kind string) *domain.BeadVersion {
	t.Helper()
	beads, err := st.GetRecentBeadVersions(context.Background(), domain.BeadTypeMemory, 50)
	require.NoError(t, err)
	for i := len(beads) - 1; i >= 0; i-- {
		if k, _ := beads[i].Data["kind"].(string); k == kind {
			return &beads[i]
		}
	}
	return nil
}

func TestReplayTick_WritesDreamBead(t *testing.T) {
	eng, st := newTestEngine(t, &stubCognition{}, Params{})
	ctx := context.Background()

	// Nothing committed yet: a tick is a no-op.
	require.NoError(t, eng.ReplayTick(ctx))
	assert.Nil(t, findMemoryBead(t, st, service.BeadKindDreamReplay))

	_, err := eng.HandleUserMessage(ctx, "hello")
	require.NoError(t, err)

	require.NoError(t, eng.ReplayTick(ctx))

	dream := findMemoryBead(t, st, service.BeadKindDreamReplay)
	require.NotNil(t, dream)
	assert.NotEmpty(t, dream.Data["knot_id"])
	assert.NotNil(t, dream.Data["replayed_summary"])

	trust, ok := dream.Data["trust"].(map[string]any)
	require.True(t, ok)
	score, _ := trust["score"].(float64)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)

	deltas, err := st.GetRecentDeltas(ctx, 50)
	require.NoError(t, err)
	var replays int
	for _, d := range deltas {
		if d.Kind == domain.DeltaKindObservation && d.Payload["event"] == "dream_replay" {
			replays++
			assert.Equal(t, domain.ProvenanceDream, d.Provenance.Kind)
		}
	}
	assert.Equal(t, 1, replays)
}

func TestReplayTick_SkipsAlreadySeenKnot(t *testing.T) {
	eng, st := newTestEngine(t, &stubCognition{}, Params{})
	ctx := context.Background()

	_, err := eng.HandleUserMessage(ctx, "hello")
	require.NoError(t, err)

	require.NoError(t, eng.ReplayTick(ctx))
	require.NoError(t, eng.ReplayTick(ctx))

	deltas, err := st.GetRecentDeltas(ctx, 50)
	require.NoError(t, err)
	var replays int
	for _, d := range deltas {
		if d.Kind == domain.DeltaKindObservation && d.Payload["event"] == "dream_replay" {
			replays++
		}
	}
	assert.Equal(t, 1, replays, "same knot must not be replayed twice")
}

func TestSelfTuneTick_WritesForkParams(t *testing.T) {
	eng, st := newTestEngine(t, &stubCognition{}, Params{
		ConfirmationRequired: 2,
		ForkTTLKnots:         8,
	})
	ctx := context.Background()

	require.NoError(t, eng.SelfTuneTick(ctx))
	assert.Nil(t, findMemoryBead(t, st, service.BeadKindForkParams))

	_, err := eng.HandleUserMessage(ctx, "hello")
	require.NoError(t, err)

	require.NoError(t, eng.SelfTuneTick(ctx))

	params := findMemoryBead(t, st, service.BeadKindForkParams)
	require.NotNil(t, params)

	confirmation, ok := numeric(params.Data["confirmation_required"])
	require.True(t, ok)
	assert.GreaterOrEqual(t, int(confirmation), MinConfirmationRequired)
	assert.LessOrEqual(t, int(confirmation), MaxConfirmationRequired)

	ttl, ok := numeric(params.Data["pending_ttl_knots"])
	require.True(t, ok)
	assert.GreaterOrEqual(t, int(ttl), MinForkTTLKnots)
	assert.LessOrEqual(t, int(ttl), MaxForkTTLKnots)
}

func TestSelfTuneTick_StrongSignalsLoosenParams(t *testing.T) {
	// The turn's single passing test and high-confidence evidence yield
	// avgTrust >= 0.75 and passRate >= 0.9, so both knobs step down.
	eng, st := newTestEngine(t, &stubCognition{}, Params{
		ConfirmationRequired: 3,
		ForkTTLKnots:         10,
	})
	ctx := context.Background()

	_, err := eng.HandleUserMessage(ctx, "hello")
	require.NoError(t, err)

	// Plant a strong trust delta so the heuristic has unambiguous input.
	_, err = st.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindTrust,
		Provenance: domain.Provenance{Kind: domain.ProvenanceSystem},
		Confidence: 0.95,
		Payload: map[string]any{
			"trust":        map[string]any{"score": 0.95},
			"tests_total":  10,
			"tests_passed": 10,
		},
	})
	require.NoError(t, err)

	require.NoError(t, eng.SelfTuneTick(ctx))

	params := findMemoryBead(t, st, service.BeadKindForkParams)
	require.NotNil(t, params)
	confirmation, _ := numeric(params.Data["confirmation_required"])
	ttl, _ := numeric(params.Data["pending_ttl_knots"])
	assert.Equal(t, 2, int(confirmation))
	assert.Equal(t, 8, int(ttl))
}
