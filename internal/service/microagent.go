package service

import (
	"context"
	"fmt"

	"braid/internal/domain"
	"braid/internal/tools"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MicroagentResult is the full record of one microagent invocation.
type MicroagentResult struct {
	MicroagentBeadRef domain.BeadRef
	PlannedCalls      []domain.PlannedToolCall
	ExecutedCalls     []domain.ExecutedToolCall
}

// MicroagentInput configures one single-shot, goal-scoped invocation.
type MicroagentInput struct {
	KnotID       string
	EpisodeID    string
	Goal         string
	AllowedTools []string
	ToolBeadRefs map[string]domain.BeadRef
	Ribbon       *domain.Ribbon
}

// MicroagentRunner runs a one-shot tool-selection loop: spawn an
// agent-scoped bead, ask the cognition provider for a tool plan, filter it
// against the allow-list, and hand the survivors to the executor.
type MicroagentRunner struct {
	store     domain.EventStore
	cognition domain.CognitionProvider
	executor  *tools.Executor
	logger    *zap.Logger
}

func NewMicroagentRunner(store domain.EventStore, cognition domain.CognitionProvider, executor *tools.Executor, logger *zap.Logger) *MicroagentRunner {
	return &MicroagentRunner{store: store, cognition: cognition, executor: executor, logger: logger}
}

func (r *MicroagentRunner) Run(ctx context.Context, in MicroagentInput) (*MicroagentResult, error) {
	beadID := fmt.Sprintf("microagent:%s:%s", in.KnotID, uuid.NewString())
	beadRef, err := r.store.UpsertBeadVersion(ctx, beadID, domain.BeadTypeMicroagent, map[string]any{
		"kind":          "tool_microagent",
		"knot_id":       in.KnotID,
		"goal":          in.Goal,
		"allowed_tools": in.AllowedTools,
	})
	if err != nil {
		return nil, fmt.Errorf("write microagent bead: %w", err)
	}

	if _, err := r.store.AppendDelta(ctx, domain.Delta{
		Kind: domain.DeltaKindMicroagent,
		Provenance: domain.Provenance{
			Kind:      domain.ProvenanceSystem,
			EpisodeID: in.EpisodeID,
			KnotID:    in.KnotID,
		},
		Confidence: 0.55,
		Payload: map[string]any{
			"event": "microagent_spawn",
			"bead_ref": map[string]any{
				"bead_id":         beadRef.BeadID,
				"bead_version_id": beadRef.BeadVersionID,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("append microagent delta: %w", err)
	}

	planned, err := r.cognition.PlanTools(ctx, in.Goal, in.AllowedTools, in.Ribbon)
	if err != nil {
		return nil, fmt.Errorf("plan tools: %w", err)
	}

	// The provider is not trusted to honor the allow-list; filter again.
	allowed := make(map[string]bool, len(in.AllowedTools))
	for _, name := range in.AllowedTools {
		allowed[name] = true
	}
	filtered := planned[:0]
	for _, call := range planned {
		if !allowed[call.Name] {
			r.logger.Warn("dropping tool call outside allow-list",
				zap.String("tool", call.Name),
				zap.String("knot_id", in.KnotID))
			continue
		}
		filtered = append(filtered, call)
	}

	executed := r.executor.Execute(ctx, filtered, tools.AuditRefs{
		EpisodeID:         in.EpisodeID,
		KnotID:            in.KnotID,
		MicroagentBeadRef: *beadRef,
		ToolBeadRefs:      in.ToolBeadRefs,
	})

	return &MicroagentResult{
		MicroagentBeadRef: *beadRef,
		PlannedCalls:      filtered,
		ExecutedCalls:     executed,
	}, nil
}
