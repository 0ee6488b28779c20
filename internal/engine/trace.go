package engine

import "braid/internal/domain"

// ForkEvent describes what the fork evaluation did this turn.
type ForkEvent struct {
	// Action is one of "proposed", "confirmed", "promoted", "ignored".
	Action     string  `json:"action"`
	EpisodeID  string  `json:"episode_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TurnTrace is the sole observability surface the core exposes outward: a
// JSON-shaped snapshot of what one turn did.
type TurnTrace struct {
	BraidID          string           `json:"braid_id"`
	PrimaryEpisodeID string           `json:"primary_episode_id"`
	Episode          *domain.Episode  `json:"episode,omitempty"`
	Fork             *ForkEvent       `json:"fork,omitempty"`
	PendingForks     []domain.Episode `json:"pending_forks,omitempty"`
	ExpiredForks     []string         `json:"expired_forks,omitempty"`
	Knot             *domain.Knot     `json:"knot,omitempty"`
	Deltas           []domain.Delta   `json:"deltas,omitempty"`
}

// TurnResult is what a completed turn hands back to the transport layer.
type TurnResult struct {
	ResponseText     string     `json:"response_text"`
	ThoughtNarrative string     `json:"thought_narrative"`
	Trace            *TurnTrace `json:"trace"`
}
