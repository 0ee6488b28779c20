package service

import (
	"fmt"

	"github.com/google/uuid"
)

// Bead payload kinds written by consolidation and the background workers.
const (
	BeadKindTurnSummary = "semantic_turn_summary"
	BeadKindDreamReplay = "dream_replay"
	BeadKindForkParams  = "metacog_fork_params"
)

// SemanticBeadWrite is a proposed memory-bead write.
type SemanticBeadWrite struct {
	BeadID string
	Data   map[string]any
}

// SemanticConsolidator proposes one semantic memory bead per knot that
// summarizes the turn and links to its evidence deltas. Deliberately
// conservative and deterministic; richer extraction belongs to a microagent.
type SemanticConsolidator struct{}

func NewSemanticConsolidator() *SemanticConsolidator {
	return &SemanticConsolidator{}
}

// ProposeTurnSummary builds the per-knot summary bead write.
func (c *SemanticConsolidator) ProposeTurnSummary(userText, assistantText string, evidenceDeltaIDs []string, knotID string) SemanticBeadWrite {
	return SemanticBeadWrite{
		BeadID: fmt.Sprintf("semantic:%s:%s", knotID, uuid.NewString()),
		Data: map[string]any{
			"kind":               BeadKindTurnSummary,
			"knot_id":            knotID,
			"user_text":          userText,
			"assistant_text":     assistantText,
			"evidence_delta_ids": evidenceDeltaIDs,
		},
	}
}
