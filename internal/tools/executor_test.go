package tools

import (
	"context"
	"errors"
	"testing"

	"braid/internal/domain"
	"braid/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingTool struct{}

func (t *failingTool) Name() string        { return "flaky" }
func (t *failingTool) Description() string { return "always fails" }
func (t *failingTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return nil, errors.New("boom")
}

func auditRefs() AuditRefs {
	return AuditRefs{
		EpisodeID:         "tools:braid:test",
		KnotID:            "knot-1",
		MicroagentBeadRef: domain.BeadRef{BeadID: "microagent:knot-1", BeadVersionID: "v1"},
		ToolBeadRefs: map[string]domain.BeadRef{
			"clock": {BeadID: "tool:clock", BeadVersionID: "v1"},
			"flaky": {BeadID: "tool:flaky", BeadVersionID: "v1"},
		},
	}
}

func TestExecutor_SuccessWritesPairedDeltas(t *testing.T) {
	st := store.NewMemoryEventStore("braid:test")
	reg := NewRegistry()
	reg.Register(&ClockTool{})
	ex := NewExecutor(st, reg, zap.NewNop())

	results := ex.Execute(context.Background(), []domain.PlannedToolCall{{Name: "clock"}}, auditRefs())
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.NotNil(t, results[0].Result["data"])
	assert.NotEmpty(t, results[0].Result["call_id"])

	deltas, err := st.GetRecentDeltas(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, domain.DeltaKindToolCall, deltas[0].Kind)
	assert.Equal(t, domain.DeltaKindToolResult, deltas[1].Kind)

	// Audit contract: both deltas carry matching refs and the tools episode.
	for _, d := range deltas {
		assert.Equal(t, "tools:braid:test", d.Provenance.EpisodeID)
		maRef, _ := d.Payload["microagent_bead_ref"].(map[string]any)
		require.NotNil(t, maRef)
		assert.Equal(t, "microagent:knot-1", maRef["bead_id"])
		toolRef, _ := d.Payload["tool_bead_ref"].(map[string]any)
		require.NotNil(t, toolRef)
		assert.Equal(t, "tool:clock", toolRef["bead_id"])
	}

	// call_id on the result points back at the tool_call delta.
	assert.Equal(t, deltas[0].ID, deltas[1].Payload["result"].(map[string]any)["call_id"])
}

func TestExecutor_UnknownToolLoggedNotRun(t *testing.T) {
	st := store.NewMemoryEventStore("braid:test")
	ex := NewExecutor(st, NewRegistry(), zap.NewNop())

	results := ex.Execute(context.Background(), []domain.PlannedToolCall{{Name: "rm_rf"}}, auditRefs())
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)

	errPayload, _ := results[0].Result["error"].(map[string]any)
	require.NotNil(t, errPayload)
	assert.Equal(t, ErrKindUnknownTool, errPayload["kind"])

	deltas, err := st.GetRecentDeltas(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, false, deltas[1].Payload["ok"])
}

func TestExecutor_OneFailureDoesNotAbortBatch(t *testing.T) {
	st := store.NewMemoryEventStore("braid:test")
	reg := NewRegistry()
	reg.Register(&failingTool{})
	reg.Register(&ClockTool{})
	ex := NewExecutor(st, reg, zap.NewNop())

	results := ex.Execute(context.Background(), []domain.PlannedToolCall{
		{Name: "flaky"},
		{Name: "clock"},
	}, auditRefs())
	require.Len(t, results, 2)

	assert.False(t, results[0].OK)
	errPayload, _ := results[0].Result["error"].(map[string]any)
	require.NotNil(t, errPayload)
	assert.Equal(t, ErrKindException, errPayload["kind"])

	assert.True(t, results[1].OK)

	deltas, err := st.GetRecentDeltas(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, deltas, 4)
}

type panickingTool struct{}

func (t *panickingTool) Name() string        { return "grenade" }
func (t *panickingTool) Description() string { return "always panics" }
func (t *panickingTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	panic("pulled the pin")
}

func TestExecutor_PanickingToolContained(t *testing.T) {
	st := store.NewMemoryEventStore("braid:test")
	reg := NewRegistry()
	reg.Register(&panickingTool{})
	reg.Register(&ClockTool{})
	ex := NewExecutor(st, reg, zap.NewNop())

	refs := auditRefs()
	refs.ToolBeadRefs["grenade"] = domain.BeadRef{BeadID: "tool:grenade", BeadVersionID: "v1"}

	results := ex.Execute(context.Background(), []domain.PlannedToolCall{
		{Name: "grenade"},
		{Name: "clock"},
	}, refs)
	require.Len(t, results, 2)

	assert.False(t, results[0].OK)
	errPayload, _ := results[0].Result["error"].(map[string]any)
	require.NotNil(t, errPayload)
	assert.Equal(t, ErrKindException, errPayload["kind"])
	assert.Contains(t, errPayload["message"], "pulled the pin")

	// The batch survives and the audit trail still pairs up.
	assert.True(t, results[1].OK)
	deltas, err := st.GetRecentDeltas(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, deltas, 4)
}

func TestExecutor_CallContextCarriesDeadline(t *testing.T) {
	st := store.NewMemoryEventStore("braid:test")
	reg := NewRegistry()
	var sawDeadline bool
	reg.Register(&deadlineCheckTool{saw: &sawDeadline})
	ex := NewExecutor(st, reg, zap.NewNop())

	results := ex.Execute(context.Background(), []domain.PlannedToolCall{{Name: "deadline_check"}}, auditRefs())
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.True(t, sawDeadline)
}

type deadlineCheckTool struct{ saw *bool }

func (t *deadlineCheckTool) Name() string        { return "deadline_check" }
func (t *deadlineCheckTool) Description() string { return "reports whether ctx has a deadline" }
func (t *deadlineCheckTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	_, ok := ctx.Deadline()
	*t.saw = ok
	return map[string]any{"deadline": ok}, nil
}

func TestDocsSearchTool_FindsSubstring(t *testing.T) {
	dir := t.TempDir()
	writeTestDoc(t, dir, "notes.md", "alpha\nbraid knot delta\nomega\n")

	tool := &DocsSearchTool{Roots: []string{dir}}
	out, err := tool.Execute(context.Background(), map[string]any{"query": "knot"})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])

	// Empty query short-circuits.
	out, err = tool.Execute(context.Background(), map[string]any{"query": "  "})
	require.NoError(t, err)
	assert.Equal(t, "empty query", out["note"])
}
