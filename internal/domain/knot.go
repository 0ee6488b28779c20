package domain

import "time"

// PlannedToolCall is a tool invocation emitted by a cognition plan before
// execution. Args stays loose JSON because every tool has its own shape.
type PlannedToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ExecutedToolCall records the outcome of one tool invocation.
type ExecutedToolCall struct {
	Name   string         `json:"name"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
}

// Knot is the commit record closing exactly one turn. StartDeltaID and
// EndDeltaID bound the inclusive, contiguous range of deltas the turn
// produced; that range always contains at least the user and assistant
// message deltas.
type Knot struct {
	ID               string             `json:"id"`
	BraidID          string             `json:"braid_id"`
	PrimaryEpisodeID string             `json:"primary_episode_id"`
	StartDeltaID     string             `json:"start_delta_id"`
	EndDeltaID       string             `json:"end_delta_id"`
	StartTS          time.Time          `json:"start_ts"`
	EndTS            time.Time          `json:"end_ts"`
	Summary          string             `json:"summary"`
	ThoughtBeadRef   *BeadRef           `json:"thought_bead_ref,omitempty"`
	PlannedTools     []PlannedToolCall  `json:"planned_tools,omitempty"`
	ExecutedTools    []ExecutedToolCall `json:"executed_tools,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}
