package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"braid/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, s *MemoryEventStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.AppendDelta(context.Background(), domain.Delta{
			Kind:       domain.DeltaKindMessage,
			Provenance: domain.Provenance{Kind: domain.ProvenanceUser},
			Confidence: 1.0,
			Payload:    map[string]any{"role": "user", "content": fmt.Sprintf("m%d", i)},
		})
		require.NoError(t, err)
	}
}

func TestAppendDelta_SeqStrictlyIncreasing(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	appendN(t, s, 10)

	deltas, err := s.GetRecentDeltas(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, deltas, 10)
	for i, d := range deltas {
		assert.Equal(t, int64(i+1), d.Seq)
		assert.Equal(t, "braid:test", d.BraidID)
		assert.NotEmpty(t, d.ID)
		assert.False(t, d.CreatedAt.IsZero())
	}
}

func TestAppendDelta_ConcurrentSeqUnique(t *testing.T) {
	s := NewMemoryEventStore("braid:test")

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.AppendDelta(context.Background(), domain.Delta{
					Kind:       domain.DeltaKindObservation,
					Provenance: domain.Provenance{Kind: domain.ProvenanceSystem},
					Payload:    map[string]any{},
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	deltas, err := s.GetRecentDeltas(context.Background(), writers*perWriter)
	require.NoError(t, err)
	require.Len(t, deltas, writers*perWriter)

	seen := make(map[int64]bool, len(deltas))
	for _, d := range deltas {
		assert.False(t, seen[d.Seq], "duplicate seq %d", d.Seq)
		seen[d.Seq] = true
	}
}

func TestGetRecentDeltas_WindowAscending(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	appendN(t, s, 10)

	deltas, err := s.GetRecentDeltas(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	assert.Equal(t, "m7", deltas[0].Payload["content"])
	assert.Equal(t, "m9", deltas[2].Payload["content"])

	none, err := s.GetRecentDeltas(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpsertBeadVersion_CurrentIsLastWrite(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	ctx := context.Background()

	ref1, err := s.UpsertBeadVersion(ctx, "memo:a", domain.BeadTypeMemory, map[string]any{"v": 1})
	require.NoError(t, err)
	ref2, err := s.UpsertBeadVersion(ctx, "memo:a", domain.BeadTypeMemory, map[string]any{"v": 2})
	require.NoError(t, err)

	assert.Equal(t, "memo:a", ref1.BeadID)
	assert.NotEqual(t, ref1.BeadVersionID, ref2.BeadVersionID, "versions are immutable, never overwritten")

	versions, err := s.GetRecentBeadVersions(ctx, domain.BeadTypeMemory, 10)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.EqualValues(t, 2, versions[len(versions)-1].Data["v"])
}

func TestGetRecentBeadVersions_FiltersByType(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	ctx := context.Background()

	_, err := s.UpsertBeadVersion(ctx, "memo:a", domain.BeadTypeMemory, map[string]any{})
	require.NoError(t, err)
	_, err = s.UpsertBeadVersion(ctx, "tool:clock", domain.BeadTypeToolDescriptor, map[string]any{})
	require.NoError(t, err)

	memories, err := s.GetRecentBeadVersions(ctx, domain.BeadTypeMemory, 10)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "memo:a", memories[0].BeadID)
}

func TestCommitKnot(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	ctx := context.Background()
	appendN(t, s, 2)

	deltas, err := s.GetRecentDeltas(ctx, 2)
	require.NoError(t, err)

	knot, err := s.CommitKnot(ctx, domain.CommitKnotInput{
		PrimaryEpisodeID: "ep1",
		StartDeltaID:     deltas[0].ID,
		EndDeltaID:       deltas[1].ID,
		Summary:          "two messages",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, knot.ID)
	assert.Equal(t, "braid:test", knot.BraidID)

	knots, err := s.GetRecentKnots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, knots, 1)
	assert.Equal(t, knot.ID, knots[0].ID)
}

func TestEpisodeLifecycle(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	ctx := context.Background()

	missing, err := s.GetEpisode(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ep := &domain.Episode{State: domain.EpisodeActive, Labels: domain.EpisodeLabels{Topics: []string{"t"}}}
	require.NoError(t, s.UpsertEpisode(ctx, ep))
	require.NotEmpty(t, ep.ID)
	require.NoError(t, s.SetActiveEpisodeID(ctx, ep.ID))

	active, err := s.GetActiveEpisode(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ep.ID, active.ID)

	// Mutating the returned copy must not leak into the store.
	active.Labels.Topics[0] = "mutated"
	again, err := s.GetActiveEpisode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t", again.Labels.Topics[0])

	// An expired episode is never returned as active.
	ep.State = domain.EpisodeExpired
	require.NoError(t, s.UpsertEpisode(ctx, ep))
	gone, err := s.GetActiveEpisode(ctx)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestListEpisodes_ByState(t *testing.T) {
	s := NewMemoryEventStore("braid:test")
	ctx := context.Background()

	require.NoError(t, s.UpsertEpisode(ctx, &domain.Episode{State: domain.EpisodeActive}))
	require.NoError(t, s.UpsertEpisode(ctx, &domain.Episode{State: domain.EpisodeForkPending}))
	require.NoError(t, s.UpsertEpisode(ctx, &domain.Episode{State: domain.EpisodeForkPending}))

	pending, err := s.ListEpisodes(ctx, domain.EpisodeForkPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	limited, err := s.ListEpisodes(ctx, domain.EpisodeForkPending, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
