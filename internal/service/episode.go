package service

import (
	"context"
	"time"

	"braid/internal/domain"

	"go.uber.org/zap"
)

const (
	// DefaultForkConfidenceFloor: proposals below this are ignored outright,
	// no pending episode is created.
	DefaultForkConfidenceFloor = 0.65
	// pendingListLimit bounds the table scan when matching proposals against
	// existing fork_pending episodes.
	pendingListLimit = 50
)

// EpisodeManager drives the episode lifecycle: active creation, fork-proposal
// intake with content-based deduplication, per-turn ticking, promotion and
// TTL expiry. It only reads and writes through the event store.
type EpisodeManager struct {
	store           domain.EventStore
	confidenceFloor float64
	logger          *zap.Logger
}

func NewEpisodeManager(store domain.EventStore, confidenceFloor float64, logger *zap.Logger) *EpisodeManager {
	if confidenceFloor <= 0 {
		confidenceFloor = DefaultForkConfidenceFloor
	}
	return &EpisodeManager{store: store, confidenceFloor: confidenceFloor, logger: logger}
}

// EnsureActiveEpisode returns the braid's active episode, creating and
// activating an empty-labelled one when none exists. Idempotent.
func (m *EpisodeManager) EnsureActiveEpisode(ctx context.Context) (*domain.Episode, error) {
	active, err := m.store.GetActiveEpisode(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	ep := &domain.Episode{
		BraidID: m.store.BraidID(),
		State:   domain.EpisodeActive,
		Labels:  domain.EpisodeLabels{Topics: []string{}, Intents: []string{}, Modalities: []string{}},
		SummaryCache: map[string]any{
			domain.CacheCreatedTS: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := m.store.UpsertEpisode(ctx, ep); err != nil {
		return nil, err
	}
	if err := m.store.SetActiveEpisodeID(ctx, ep.ID); err != nil {
		return nil, err
	}
	m.logger.Info("created active episode",
		zap.String("braid_id", ep.BraidID),
		zap.String("episode_id", ep.ID))
	return ep, nil
}

// ProposeForkPending evaluates a fork proposal against the parent episode.
// Proposals that do not ask to fork, or whose confidence is below the floor,
// are ignored. A proposal matching an existing fork_pending episode on
// (parent id, labels) confirms that episode in place instead of creating a
// duplicate. Returns the pending episode, or nil when the proposal was
// ignored.
func (m *EpisodeManager) ProposeForkPending(ctx context.Context, parent *domain.Episode, proposal domain.ForkProposal) (*domain.Episode, error) {
	if !proposal.ShouldFork || proposal.Confidence < m.confidenceFloor {
		return nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	existing, err := m.findMatchingPending(ctx, parent.ID, proposal.Labels)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.SummaryCache == nil {
			existing.SummaryCache = map[string]any{}
		}
		existing.SummaryCache[domain.CacheLastSeenTS] = now
		existing.SummaryCache[domain.CacheConfirmationCount] = existing.CacheInt(domain.CacheConfirmationCount) + 1
		if proposal.Reason != "" {
			existing.SummaryCache[domain.CacheForkReason] = proposal.Reason
		}
		if proposal.Confidence > existing.CacheFloat(domain.CacheForkConfidence) {
			existing.SummaryCache[domain.CacheForkConfidence] = proposal.Confidence
		}
		if err := m.store.UpsertEpisode(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	ep := &domain.Episode{
		BraidID: parent.BraidID,
		State:   domain.EpisodeForkPending,
		Labels:  proposal.Labels,
		Edges: []domain.EpisodeEdge{
			{Type: domain.EdgeForkedFrom, ToEpisodeID: parent.ID, Confidence: proposal.Confidence},
		},
		SummaryCache: map[string]any{
			domain.CacheCreatedTS:         now,
			domain.CacheLastSeenTS:        now,
			domain.CachePendingKnotCount:  0,
			domain.CacheConfirmationCount: 1,
			domain.CacheForkReason:        proposal.Reason,
			domain.CacheForkConfidence:    proposal.Confidence,
			domain.CacheParentEpisodeID:   parent.ID,
		},
	}
	if err := m.store.UpsertEpisode(ctx, ep); err != nil {
		return nil, err
	}
	m.logger.Info("fork pending created",
		zap.String("episode_id", ep.ID),
		zap.String("parent_episode_id", parent.ID),
		zap.Float64("confidence", proposal.Confidence))
	return ep, nil
}

func (m *EpisodeManager) findMatchingPending(ctx context.Context, parentID string, labels domain.EpisodeLabels) (*domain.Episode, error) {
	pending, err := m.store.ListEpisodes(ctx, domain.EpisodeForkPending, pendingListLimit)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		ep := &pending[i]
		if ep.CacheString(domain.CacheParentEpisodeID) != parentID {
			continue
		}
		if ep.Labels.Equal(labels) {
			return ep, nil
		}
	}
	return nil, nil
}

// TickForkPending is called once per turn for every fork_pending episode so
// the TTL sweep can measure how many turns a fork has waited.
func (m *EpisodeManager) TickForkPending(ctx context.Context, episodeID string) error {
	ep, err := m.store.GetEpisode(ctx, episodeID)
	if err != nil || ep == nil {
		return err
	}
	if ep.State != domain.EpisodeForkPending {
		return nil
	}
	if ep.SummaryCache == nil {
		ep.SummaryCache = map[string]any{}
	}
	ep.SummaryCache[domain.CacheLastSeenTS] = time.Now().UTC().Format(time.RFC3339Nano)
	ep.SummaryCache[domain.CachePendingKnotCount] = ep.CacheInt(domain.CachePendingKnotCount) + 1
	return m.store.UpsertEpisode(ctx, ep)
}

// PromoteFork makes a pending episode the braid's active episode. The prior
// active episode is retired to expired with a retired_by marker so the braid
// keeps a single active episode. Expired episodes are never promoted.
func (m *EpisodeManager) PromoteFork(ctx context.Context, episodeID string) (*domain.Episode, error) {
	ep, err := m.store.GetEpisode(ctx, episodeID)
	if err != nil || ep == nil {
		return nil, err
	}
	if ep.State == domain.EpisodeExpired {
		return nil, nil
	}

	prior, err := m.store.GetActiveEpisode(ctx)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.ID != ep.ID {
		prior.State = domain.EpisodeExpired
		if prior.SummaryCache == nil {
			prior.SummaryCache = map[string]any{}
		}
		prior.SummaryCache[domain.CacheRetiredBy] = ep.ID
		if err := m.store.UpsertEpisode(ctx, prior); err != nil {
			return nil, err
		}
	}

	ep.State = domain.EpisodeActive
	if err := m.store.UpsertEpisode(ctx, ep); err != nil {
		return nil, err
	}
	if err := m.store.SetActiveEpisodeID(ctx, ep.ID); err != nil {
		return nil, err
	}
	m.logger.Info("fork promoted",
		zap.String("episode_id", ep.ID),
		zap.Strings("topics", ep.Labels.Topics))
	return ep, nil
}

// AttachContinuitySnapshot stores a short-term context buffer on an episode
// so a promoted fork retains continuity from its parent. Best-effort.
func (m *EpisodeManager) AttachContinuitySnapshot(ctx context.Context, episodeID string, snapshot map[string]any) error {
	ep, err := m.store.GetEpisode(ctx, episodeID)
	if err != nil || ep == nil {
		return err
	}
	if ep.SummaryCache == nil {
		ep.SummaryCache = map[string]any{}
	}
	ep.SummaryCache[domain.CacheContinuity] = snapshot
	return m.store.UpsertEpisode(ctx, ep)
}

// ExpireEpisode moves an episode to the terminal expired state.
func (m *EpisodeManager) ExpireEpisode(ctx context.Context, episodeID string) (*domain.Episode, error) {
	ep, err := m.store.GetEpisode(ctx, episodeID)
	if err != nil || ep == nil {
		return nil, err
	}
	ep.State = domain.EpisodeExpired
	if err := m.store.UpsertEpisode(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// SweepExpired walks all fork_pending episodes and expires the ones past
// either TTL: ttlKnots turns waited, or ttlSeconds of wall-clock age since
// creation, whichever fires first. Returns the ids it expired.
func (m *EpisodeManager) SweepExpired(ctx context.Context, ttlKnots int, ttlSeconds int, now time.Time) ([]string, error) {
	pending, err := m.store.ListEpisodes(ctx, domain.EpisodeForkPending, 0)
	if err != nil {
		return nil, err
	}

	var expired []string
	for i := range pending {
		ep := &pending[i]
		byKnots := ttlKnots > 0 && ep.CacheInt(domain.CachePendingKnotCount) >= ttlKnots
		byAge := false
		if ttlSeconds > 0 {
			if created, err := time.Parse(time.RFC3339Nano, ep.CacheString(domain.CacheCreatedTS)); err == nil {
				byAge = now.Sub(created) >= time.Duration(ttlSeconds)*time.Second
			}
		}
		if !byKnots && !byAge {
			continue
		}
		if _, err := m.ExpireEpisode(ctx, ep.ID); err != nil {
			return expired, err
		}
		m.logger.Info("fork pending expired",
			zap.String("episode_id", ep.ID),
			zap.Bool("by_knots", byKnots),
			zap.Bool("by_age", byAge))
		expired = append(expired, ep.ID)
	}
	return expired, nil
}
