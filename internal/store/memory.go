package store

import (
	"context"
	"sync"
	"time"

	"braid/internal/domain"

	"github.com/google/uuid"
)

// MemoryEventStore is the in-memory EventStore backend: one instance per
// braid, mutex-guarded so every individual operation is atomic under
// concurrent callers. It is the default backend and the one tests run on.
type MemoryEventStore struct {
	braidID string

	mu           sync.Mutex
	seq          int64
	deltas       []domain.Delta
	beadVersions []domain.BeadVersion
	knots        []domain.Knot
	episodes     map[string]*domain.Episode
	activeEpID   string
}

func NewMemoryEventStore(braidID string) *MemoryEventStore {
	return &MemoryEventStore{
		braidID:  braidID,
		episodes: make(map[string]*domain.Episode),
	}
}

func (s *MemoryEventStore) BraidID() string { return s.braidID }

func (s *MemoryEventStore) AppendDelta(ctx context.Context, d domain.Delta) (*domain.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.BraidID = s.braidID
	s.seq++
	d.Seq = s.seq
	s.deltas = append(s.deltas, d)

	stored := d
	return &stored, nil
}

func (s *MemoryEventStore) GetRecentDeltas(ctx context.Context, n int) ([]domain.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.deltas) == 0 {
		return nil, nil
	}
	start := len(s.deltas) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Delta, len(s.deltas)-start)
	copy(out, s.deltas[start:])
	return out, nil
}

func (s *MemoryEventStore) UpsertBeadVersion(ctx context.Context, beadID string, beadType domain.BeadType, data map[string]any) (*domain.BeadRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := domain.BeadVersion{
		VersionID: uuid.NewString(),
		BeadID:    beadID,
		BraidID:   s.braidID,
		BeadType:  beadType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	s.beadVersions = append(s.beadVersions, v)
	ref := v.Ref()
	return &ref, nil
}

func (s *MemoryEventStore) GetRecentBeadVersions(ctx context.Context, beadType domain.BeadType, n int) ([]domain.BeadVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.BeadVersion
	for _, v := range s.beadVersions {
		if beadType != "" && v.BeadType != beadType {
			continue
		}
		matched = append(matched, v)
	}
	if n > 0 && len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	out := make([]domain.BeadVersion, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *MemoryEventStore) CommitKnot(ctx context.Context, in domain.CommitKnotInput) (*domain.Knot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := domain.Knot{
		ID:               uuid.NewString(),
		BraidID:          s.braidID,
		PrimaryEpisodeID: in.PrimaryEpisodeID,
		StartDeltaID:     in.StartDeltaID,
		EndDeltaID:       in.EndDeltaID,
		StartTS:          in.StartTS,
		EndTS:            in.EndTS,
		Summary:          in.Summary,
		ThoughtBeadRef:   in.ThoughtBeadRef,
		PlannedTools:     in.PlannedTools,
		ExecutedTools:    in.ExecutedTools,
		CreatedAt:        time.Now().UTC(),
	}
	s.knots = append(s.knots, k)

	stored := k
	return &stored, nil
}

func (s *MemoryEventStore) GetRecentKnots(ctx context.Context, n int) ([]domain.Knot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.knots) == 0 {
		return nil, nil
	}
	start := len(s.knots) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Knot, len(s.knots)-start)
	copy(out, s.knots[start:])
	return out, nil
}

func (s *MemoryEventStore) GetEpisode(ctx context.Context, id string) (*domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.episodes[id]
	if !ok {
		return nil, nil
	}
	return copyEpisode(e), nil
}

func (s *MemoryEventStore) UpsertEpisode(ctx context.Context, e *domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = "episode:" + uuid.NewString()
	}
	e.BraidID = s.braidID
	s.episodes[e.ID] = copyEpisode(e)
	return nil
}

func (s *MemoryEventStore) ListEpisodes(ctx context.Context, state domain.EpisodeState, limit int) ([]domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Episode
	for _, e := range s.episodes {
		if state != "" && e.State != state {
			continue
		}
		out = append(out, *copyEpisode(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryEventStore) GetActiveEpisode(ctx context.Context) (*domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeEpID == "" {
		return nil, nil
	}
	e, ok := s.episodes[s.activeEpID]
	if !ok || e.State != domain.EpisodeActive {
		return nil, nil
	}
	return copyEpisode(e), nil
}

func (s *MemoryEventStore) SetActiveEpisodeID(ctx context.Context, episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeEpID = episodeID
	return nil
}

// copyEpisode guards against callers mutating shared state between upserts.
func copyEpisode(e *domain.Episode) *domain.Episode {
	out := *e
	out.Labels = domain.EpisodeLabels{
		Topics:     append([]string(nil), e.Labels.Topics...),
		Intents:    append([]string(nil), e.Labels.Intents...),
		Modalities: append([]string(nil), e.Labels.Modalities...),
	}
	out.Edges = append([]domain.EpisodeEdge(nil), e.Edges...)
	if e.SummaryCache != nil {
		out.SummaryCache = make(map[string]any, len(e.SummaryCache))
		for k, v := range e.SummaryCache {
			out.SummaryCache[k] = v
		}
	}
	return &out
}
