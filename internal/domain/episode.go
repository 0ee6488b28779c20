package domain

// EpisodeState is the lifecycle state of a conversation branch.
type EpisodeState string

const (
	EpisodeActive      EpisodeState = "active"
	EpisodeForkPending EpisodeState = "fork_pending"
	EpisodeExpired     EpisodeState = "expired"
)

// EpisodeLabels describe what a branch is about. Fork-pending deduplication
// matches on exact structural equality of labels, not semantic similarity.
type EpisodeLabels struct {
	Topics     []string `json:"topics"`
	Intents    []string `json:"intents"`
	Modalities []string `json:"modalities"`
}

// Equal reports exact structural equality, order included.
func (l EpisodeLabels) Equal(other EpisodeLabels) bool {
	return stringSlicesEqual(l.Topics, other.Topics) &&
		stringSlicesEqual(l.Intents, other.Intents) &&
		stringSlicesEqual(l.Modalities, other.Modalities)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EpisodeEdgeType names a typed relation between episodes.
type EpisodeEdgeType string

const EdgeForkedFrom EpisodeEdgeType = "forked_from"

// EpisodeEdge links an episode to another with a confidence.
type EpisodeEdge struct {
	Type        EpisodeEdgeType `json:"type"`
	ToEpisodeID string          `json:"to_episode_id"`
	Confidence  float64         `json:"confidence"`
}

// SummaryCache keys. The cache is deliberately free-form (it round-trips
// through jsonb on the postgres backend) but these keys are the contract
// between the episode manager, the engine and the self-tuning worker.
const (
	CacheCreatedTS         = "created_ts"
	CacheLastSeenTS        = "last_seen_ts"
	CachePendingKnotCount  = "pending_knot_count"
	CacheConfirmationCount = "confirmation_count"
	CacheForkReason        = "fork_reason"
	CacheForkConfidence    = "fork_confidence"
	CacheParentEpisodeID   = "parent_episode_id"
	CacheContinuity        = "continuity"
	CacheRetiredBy         = "retired_by"
)

// Episode is a branch of a conversation. At most one episode per braid is
// the braid's active episode (the one new turns attach to).
type Episode struct {
	ID           string         `json:"id"`
	BraidID      string         `json:"braid_id"`
	State        EpisodeState   `json:"state"`
	Labels       EpisodeLabels  `json:"labels"`
	Edges        []EpisodeEdge  `json:"edges,omitempty"`
	SummaryCache map[string]any `json:"summary_cache,omitempty"`
}

// CacheInt reads an integer counter from the summary cache, tolerating the
// float64 shape jsonb decoding produces.
func (e *Episode) CacheInt(key string) int {
	switch v := e.SummaryCache[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// CacheFloat reads a float counter from the summary cache.
func (e *Episode) CacheFloat(key string) float64 {
	switch v := e.SummaryCache[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// CacheString reads a string from the summary cache.
func (e *Episode) CacheString(key string) string {
	s, _ := e.SummaryCache[key].(string)
	return s
}

// ForkProposal is a cognition-produced request to split the active episode.
type ForkProposal struct {
	ShouldFork bool          `json:"should_fork"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	Labels     EpisodeLabels `json:"candidate_episode_labels"`
}
