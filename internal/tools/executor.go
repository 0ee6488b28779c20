package tools

import (
	"context"
	"fmt"
	"time"

	"braid/internal/domain"

	"go.uber.org/zap"
)

// Error kinds recorded in tool_result payloads.
const (
	ErrKindUnknownTool = "unknown_tool"
	ErrKindException   = "exception"
)

// toolCallTimeout bounds a single tool execution.
const toolCallTimeout = 30 * time.Second

// AuditRefs ties a batch of tool calls back to the microagent invocation and
// tool descriptors that caused them. Both refs land on every tool_call and
// tool_result delta; a consumer can rely on the pairing to reconstruct which
// agent invocation caused which tool side effect.
type AuditRefs struct {
	EpisodeID         string
	KnotID            string
	MicroagentBeadRef domain.BeadRef
	ToolBeadRefs      map[string]domain.BeadRef
}

// Executor runs planned tool calls and writes the paired tool_call /
// tool_result deltas that make up the audit trail.
type Executor struct {
	store    domain.EventStore
	registry *Registry
	logger   *zap.Logger
}

func NewExecutor(store domain.EventStore, registry *Registry, logger *zap.Logger) *Executor {
	return &Executor{store: store, registry: registry, logger: logger}
}

// Execute runs the calls in order. Each call appends its tool_call delta
// before the tool runs, then a tool_result delta after. Unknown tools and
// execution failures produce ok=false results; one failing call never aborts
// the batch.
func (e *Executor) Execute(ctx context.Context, calls []domain.PlannedToolCall, refs AuditRefs) []domain.ExecutedToolCall {
	results := make([]domain.ExecutedToolCall, 0, len(calls))

	for _, call := range calls {
		callDelta, err := e.appendCallDelta(ctx, call, refs)
		if err != nil {
			// The audit trail is the whole point; without the call delta we
			// refuse to run the tool.
			e.logger.Error("tool call delta append failed",
				zap.String("tool", call.Name), zap.Error(err))
			results = append(results, domain.ExecutedToolCall{
				Name: call.Name,
				OK:   false,
				Result: map[string]any{
					"error": map[string]any{"kind": ErrKindException, "message": err.Error()},
				},
			})
			continue
		}

		tool, ok := e.registry.Get(call.Name)
		if !ok {
			res := domain.ExecutedToolCall{
				Name: call.Name,
				OK:   false,
				Result: map[string]any{
					"error":       map[string]any{"kind": ErrKindUnknownTool, "message": "unknown tool: " + call.Name},
					"call_id":     callDelta.ID,
					"duration_ms": 0,
				},
			}
			e.appendResultDelta(ctx, res, refs)
			results = append(results, res)
			continue
		}

		start := time.Now()
		data, err := e.runTool(ctx, tool, call.Args)
		elapsed := time.Since(start)

		var res domain.ExecutedToolCall
		if err != nil {
			res = domain.ExecutedToolCall{
				Name: call.Name,
				OK:   false,
				Result: map[string]any{
					"error":       map[string]any{"kind": ErrKindException, "message": err.Error()},
					"call_id":     callDelta.ID,
					"duration_ms": 0,
				},
			}
			e.logger.Warn("tool execution failed",
				zap.String("tool", call.Name), zap.Error(err))
		} else {
			res = domain.ExecutedToolCall{
				Name: call.Name,
				OK:   true,
				Result: map[string]any{
					"data":        data,
					"call_id":     callDelta.ID,
					"duration_ms": elapsed.Milliseconds(),
				},
			}
		}
		e.appendResultDelta(ctx, res, refs)
		results = append(results, res)
	}

	return results
}

// runTool contains a single call: a deadline bounds it and a panicking tool
// becomes an error result instead of unwinding the batch.
func (e *Executor) runTool(ctx context.Context, tool Tool, args map[string]any) (data map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

func (e *Executor) appendCallDelta(ctx context.Context, call domain.PlannedToolCall, refs AuditRefs) (*domain.Delta, error) {
	return e.store.AppendDelta(ctx, domain.Delta{
		Kind: domain.DeltaKindToolCall,
		Provenance: domain.Provenance{
			Kind:      domain.ProvenanceSystem,
			EpisodeID: refs.EpisodeID,
			KnotID:    refs.KnotID,
		},
		Confidence: 0.55,
		Payload: map[string]any{
			"tool_name":           call.Name,
			"args":                call.Args,
			"microagent_bead_ref": beadRefPayload(refs.MicroagentBeadRef),
			"tool_bead_ref":       beadRefPayload(refs.ToolBeadRefs[call.Name]),
		},
	})
}

func (e *Executor) appendResultDelta(ctx context.Context, res domain.ExecutedToolCall, refs AuditRefs) {
	_, err := e.store.AppendDelta(ctx, domain.Delta{
		Kind: domain.DeltaKindToolResult,
		Provenance: domain.Provenance{
			Kind:      domain.ProvenanceSystem,
			EpisodeID: refs.EpisodeID,
			KnotID:    refs.KnotID,
		},
		Confidence: 0.55,
		Payload: map[string]any{
			"tool_name":           res.Name,
			"ok":                  res.OK,
			"result":              res.Result,
			"microagent_bead_ref": beadRefPayload(refs.MicroagentBeadRef),
			"tool_bead_ref":       beadRefPayload(refs.ToolBeadRefs[res.Name]),
		},
	})
	if err != nil {
		e.logger.Error("tool result delta append failed",
			zap.String("tool", res.Name), zap.Error(err))
	}
}

func beadRefPayload(ref domain.BeadRef) map[string]any {
	return map[string]any{
		"bead_id":         ref.BeadID,
		"bead_version_id": ref.BeadVersionID,
	}
}
