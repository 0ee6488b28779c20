package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"braid/internal/domain"
	"braid/internal/service"
	"braid/internal/tools"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Params are the turn-processing knobs. Fork confirmation and TTL-by-knots
// can be overridden per turn by the self-tuning worker's latest bead.
type Params struct {
	EnableForking        bool
	ConfirmationRequired int
	ForkTTLKnots         int
	ForkTTLSeconds       int
	ForkConfidenceFloor  float64
	MaxRecentMessages    int
	SemanticTopK         int
	TraceMaxDeltas       int
}

// Bounds the self-tuning worker (and any bead it wrote) must respect.
const (
	MinConfirmationRequired = 1
	MaxConfirmationRequired = 4
	MinForkTTLKnots         = 4
	MaxForkTTLKnots         = 20
)

func (p *Params) normalize() {
	if p.ConfirmationRequired <= 0 {
		p.ConfirmationRequired = 2
	}
	if p.ForkTTLKnots <= 0 {
		p.ForkTTLKnots = 8
	}
	if p.ForkTTLSeconds <= 0 {
		p.ForkTTLSeconds = 15 * 60
	}
	if p.ForkConfidenceFloor <= 0 {
		p.ForkConfidenceFloor = service.DefaultForkConfidenceFloor
	}
	if p.MaxRecentMessages <= 0 {
		p.MaxRecentMessages = 20
	}
	if p.SemanticTopK <= 0 {
		p.SemanticTopK = 8
	}
	if p.TraceMaxDeltas <= 0 {
		p.TraceMaxDeltas = 25
	}
	if p.TraceMaxDeltas > 50 {
		p.TraceMaxDeltas = 50
	}
}

// Config wires one engine. Store, Cognition, Tools, Trust and Logger are
// required; Index is optional and degrades to no semantic recall.
type Config struct {
	Store     domain.EventStore
	Cognition domain.CognitionProvider
	Index     domain.SemanticIndex
	Tools     *tools.Registry
	Tests     []domain.TurnTest
	Trust     *service.TrustEngine
	Logger    *zap.Logger
	Params    Params
}

// Engine is the per-braid turn orchestrator. All turn processing for one
// braid runs sequentially (the registry routes turns through a single
// mailbox); the background ticks run concurrently against the same store,
// which keeps every individual operation atomic.
type Engine struct {
	braidID      string
	store        domain.EventStore
	cognition    domain.CognitionProvider
	index        domain.SemanticIndex
	trust        *service.TrustEngine
	episodes     *service.EpisodeManager
	consolidator *service.SemanticConsolidator
	microagents  *service.MicroagentRunner
	executor     *tools.Executor
	registry     *tools.Registry
	ribbons      *RibbonBuilder
	tests        []domain.TurnTest
	params       Params
	logger       *zap.Logger

	mu               sync.Mutex
	toolBeadRefs     map[string]domain.BeadRef
	lastTrace        *TurnTrace
	lastReplayKnotID string
	lastTuneKnotID   string
}

func New(cfg Config) *Engine {
	cfg.Params.normalize()
	executor := tools.NewExecutor(cfg.Store, cfg.Tools, cfg.Logger)
	return &Engine{
		braidID:      cfg.Store.BraidID(),
		store:        cfg.Store,
		cognition:    cfg.Cognition,
		index:        cfg.Index,
		trust:        cfg.Trust,
		episodes:     service.NewEpisodeManager(cfg.Store, cfg.Params.ForkConfidenceFloor, cfg.Logger),
		consolidator: service.NewSemanticConsolidator(),
		microagents:  service.NewMicroagentRunner(cfg.Store, cfg.Cognition, executor, cfg.Logger),
		executor:     executor,
		registry:     cfg.Tools,
		ribbons:      NewRibbonBuilder(cfg.Store, cfg.Index, cfg.Params.MaxRecentMessages, cfg.Params.SemanticTopK),
		tests:        cfg.Tests,
		params:       cfg.Params,
		logger:       cfg.Logger.With(zap.String("braid_id", cfg.Store.BraidID())),
	}
}

// BraidID returns the braid this engine owns.
func (e *Engine) BraidID() string { return e.braidID }

// toolsEpisodeID is the dedicated overlay episode tool chatter attaches to,
// kept separate from the conversational episode so tool deltas never pollute
// conversational continuity.
func (e *Engine) toolsEpisodeID() string {
	return "tools:" + e.braidID
}

// HandleUserMessage runs the full turn pipeline and returns the trace. A
// cognition failure is fatal to the turn: it is recorded as an observation
// delta and returned, with no partial knot committed. Everything after the
// knot commit is best-effort.
func (e *Engine) HandleUserMessage(ctx context.Context, userMessage string) (*TurnResult, error) {
	turnStart := time.Now().UTC()
	turnID := uuid.NewString()

	active, err := e.episodes.EnsureActiveEpisode(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure active episode: %w", err)
	}

	userDelta, err := e.store.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindMessage,
		Provenance: domain.Provenance{Kind: domain.ProvenanceUser, EpisodeID: active.ID},
		Confidence: 1.0,
		Payload:    map[string]any{"role": "user", "content": userMessage},
	})
	if err != nil {
		return nil, fmt.Errorf("append user delta: %w", err)
	}

	ribbon, err := e.ribbons.Build(ctx, userMessage)
	if err != nil {
		return nil, fmt.Errorf("build ribbon: %w", err)
	}

	req := domain.TurnRequest{
		BraidID:          e.braidID,
		PrimaryEpisodeID: active.ID,
		UserMessage:      userMessage,
		Ribbon:           ribbon,
	}

	thought, err := e.cognition.Think(ctx, req)
	if err != nil {
		e.appendObservation(ctx, "cognition think failed: "+err.Error(), 0.2, domain.ProvenanceSystem)
		return nil, fmt.Errorf("cognition think: %w", err)
	}

	var planned []domain.PlannedToolCall
	var executed []domain.ExecutedToolCall
	if ma := thought.Structured.Microagent; ma != nil && ma.ShouldSpawn {
		result, err := e.runMicroagent(ctx, turnID, ma, ribbon)
		if err != nil {
			// Tool failures are recoverable: log, note, and continue the turn.
			e.logger.Warn("microagent run failed", zap.Error(err))
			e.appendObservation(ctx, "microagent failed: "+err.Error(), 0.3, domain.ProvenanceSystem)
		} else {
			planned = result.PlannedCalls
			executed = result.ExecutedCalls
		}
	}

	responseText, err := e.cognition.Speak(ctx, req, executed)
	if err != nil {
		e.appendObservation(ctx, "cognition speak failed: "+err.Error(), 0.2, domain.ProvenanceSystem)
		return nil, fmt.Errorf("cognition speak: %w", err)
	}

	testResults := e.runTests(ctx, userMessage, responseText)

	thoughtRef, err := e.store.UpsertBeadVersion(ctx,
		"reasoning:"+turnID, domain.BeadTypeReasoningSummary, map[string]any{
			"narrative":  thought.Narrative,
			"structured": thought.Structured,
		})
	if err != nil {
		return nil, fmt.Errorf("write reasoning bead: %w", err)
	}
	if _, err := e.store.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindBeadWrite,
		Provenance: domain.Provenance{Kind: domain.ProvenanceSystem, EpisodeID: active.ID},
		Confidence: 0.6,
		Payload:    map[string]any{"bead_ref": beadRefPayload(*thoughtRef)},
	}); err != nil {
		return nil, fmt.Errorf("append bead write delta: %w", err)
	}

	assistantDelta, err := e.store.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindMessage,
		Provenance: domain.Provenance{Kind: domain.ProvenanceAssistant, EpisodeID: active.ID},
		Confidence: 0.9,
		Payload:    map[string]any{"role": "assistant", "content": responseText},
	})
	if err != nil {
		return nil, fmt.Errorf("append assistant delta: %w", err)
	}

	knot, err := e.store.CommitKnot(ctx, domain.CommitKnotInput{
		PrimaryEpisodeID: active.ID,
		StartDeltaID:     userDelta.ID,
		EndDeltaID:       assistantDelta.ID,
		StartTS:          turnStart,
		EndTS:            time.Now().UTC(),
		Summary:          turnSummary(userMessage),
		ThoughtBeadRef:   thoughtRef,
		PlannedTools:     planned,
		ExecutedTools:    executed,
	})
	if err != nil {
		return nil, fmt.Errorf("commit knot: %w", err)
	}

	e.consolidateTurn(ctx, knot, userDelta, assistantDelta, userMessage, responseText, testResults)

	trace := &TurnTrace{
		BraidID:          e.braidID,
		PrimaryEpisodeID: active.ID,
		Knot:             knot,
	}

	if e.params.EnableForking {
		e.evaluateFork(ctx, active, thought.Structured.Fork, ribbon, trace)
	}

	// The fork evaluation may have promoted a new active episode.
	if current, err := e.store.GetActiveEpisode(ctx); err == nil && current != nil {
		trace.Episode = current
		trace.PrimaryEpisodeID = current.ID
	}
	if pending, err := e.store.ListEpisodes(ctx, domain.EpisodeForkPending, 0); err == nil {
		trace.PendingForks = pending
	}
	if recent, err := e.store.GetRecentDeltas(ctx, e.params.TraceMaxDeltas); err == nil {
		trace.Deltas = recent
	}

	e.mu.Lock()
	e.lastTrace = trace
	e.mu.Unlock()

	return &TurnResult{
		ResponseText:     responseText,
		ThoughtNarrative: thought.Narrative,
		Trace:            trace,
	}, nil
}

// LastTrace returns the most recent turn trace, or nil before the first turn.
func (e *Engine) LastTrace() *TurnTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTrace
}

func (e *Engine) runMicroagent(ctx context.Context, turnID string, ma *domain.MicroagentRequest, ribbon *domain.Ribbon) (*service.MicroagentResult, error) {
	// The allow-list is the intersection of what cognition asked for and
	// what is actually registered.
	var allowed []string
	for _, name := range ma.RequestedTools {
		if _, ok := e.registry.Get(name); ok {
			allowed = append(allowed, name)
		}
	}

	refs, err := e.ensureToolBeads(ctx, allowed)
	if err != nil {
		return nil, err
	}

	return e.microagents.Run(ctx, service.MicroagentInput{
		KnotID:       turnID,
		EpisodeID:    e.toolsEpisodeID(),
		Goal:         ma.Goal,
		AllowedTools: allowed,
		ToolBeadRefs: refs,
		Ribbon:       ribbon,
	})
}

// ensureToolBeads writes a tool_descriptor bead once per tool per engine so
// audit refs have something stable to point at.
func (e *Engine) ensureToolBeads(ctx context.Context, names []string) (map[string]domain.BeadRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.toolBeadRefs == nil {
		e.toolBeadRefs = make(map[string]domain.BeadRef)
	}
	out := make(map[string]domain.BeadRef, len(names))
	for _, name := range names {
		if ref, ok := e.toolBeadRefs[name]; ok {
			out[name] = ref
			continue
		}
		tool, ok := e.registry.Get(name)
		if !ok {
			continue
		}
		ref, err := e.store.UpsertBeadVersion(ctx, "tool:"+name, domain.BeadTypeToolDescriptor, map[string]any{
			"name":        tool.Name(),
			"description": tool.Description(),
		})
		if err != nil {
			return nil, fmt.Errorf("write tool descriptor bead: %w", err)
		}
		e.toolBeadRefs[name] = *ref
		out[name] = *ref
	}
	return out, nil
}

func (e *Engine) runTests(ctx context.Context, userText, assistantText string) []domain.TestResult {
	var results []domain.TestResult
	for _, test := range e.tests {
		results = append(results, test.Run(ctx, userText, assistantText))
	}
	return results
}

// consolidateTurn writes the semantic turn-summary bead with its trust
// snapshot, pushes it into the semantic index and records the trust delta.
// Everything here is best-effort: the knot is already committed and a
// consolidation failure must not fail the turn.
func (e *Engine) consolidateTurn(ctx context.Context, knot *domain.Knot, userDelta, assistantDelta *domain.Delta, userText, responseText string, testResults []domain.TestResult) {
	evidence := []domain.Delta{*userDelta, *assistantDelta}
	now := time.Now().UTC()
	score := e.trust.ScoreForBead(evidence, testResults, domain.ProvenanceSystem, now)

	testsPassed := 0
	for _, t := range testResults {
		if t.Passed {
			testsPassed++
		}
	}

	write := e.consolidator.ProposeTurnSummary(userText, responseText,
		[]string{userDelta.ID, assistantDelta.ID}, knot.ID)
	write.Data["trust"] = map[string]any{
		"score":         score.Score,
		"decayed_score": score.DecayedScore,
		"state":         string(score.State),
		"details":       score.Details,
		"created_ts":    now.Format(time.RFC3339Nano),
	}

	beadRef, err := e.store.UpsertBeadVersion(ctx, write.BeadID, domain.BeadTypeMemory, write.Data)
	if err != nil {
		e.logger.Warn("turn summary bead write failed", zap.Error(err))
		return
	}

	if e.index != nil {
		if err := e.index.Upsert(ctx, write.BeadID, userText, responseText, write.Data); err != nil {
			e.logger.Warn("semantic index upsert failed", zap.Error(err))
		}
	}

	if _, err := e.store.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindTrust,
		Provenance: domain.Provenance{Kind: domain.ProvenanceSystem, EpisodeID: knot.PrimaryEpisodeID, KnotID: knot.ID},
		Confidence: score.Score,
		Payload: map[string]any{
			"bead_ref": beadRefPayload(*beadRef),
			"trust": map[string]any{
				"score":         score.Score,
				"decayed_score": score.DecayedScore,
				"state":         string(score.State),
			},
			"tests_total":  len(testResults),
			"tests_passed": testsPassed,
		},
	}); err != nil {
		e.logger.Warn("trust delta append failed", zap.Error(err))
	}
}

// evaluateFork runs the per-turn fork lifecycle: sweep expiries, tick
// survivors, evaluate this turn's proposal and promote once confirmed.
// Parameters come from config unless the self-tuning worker wrote newer ones.
func (e *Engine) evaluateFork(ctx context.Context, active *domain.Episode, proposal *domain.ForkProposal, ribbon *domain.Ribbon, trace *TurnTrace) {
	confirmationRequired, ttlKnots := e.effectiveForkParams(ctx)

	expired, err := e.episodes.SweepExpired(ctx, ttlKnots, e.params.ForkTTLSeconds, time.Now().UTC())
	if err != nil {
		e.logger.Warn("fork expiry sweep failed", zap.Error(err))
	}
	trace.ExpiredForks = expired

	if pending, err := e.store.ListEpisodes(ctx, domain.EpisodeForkPending, 0); err == nil {
		for _, ep := range pending {
			if err := e.episodes.TickForkPending(ctx, ep.ID); err != nil {
				e.logger.Warn("fork tick failed", zap.String("episode_id", ep.ID), zap.Error(err))
			}
		}
	}

	if proposal == nil || !proposal.ShouldFork {
		return
	}

	pending, err := e.episodes.ProposeForkPending(ctx, active, *proposal)
	if err != nil {
		e.logger.Warn("fork proposal failed", zap.Error(err))
		return
	}
	if pending == nil {
		trace.Fork = &ForkEvent{Action: "ignored", Reason: proposal.Reason, Confidence: proposal.Confidence}
		return
	}

	event := &ForkEvent{
		Action:     "proposed",
		EpisodeID:  pending.ID,
		Reason:     proposal.Reason,
		Confidence: proposal.Confidence,
	}
	if pending.CacheInt(domain.CacheConfirmationCount) > 1 {
		event.Action = "confirmed"
	}

	if pending.CacheInt(domain.CacheConfirmationCount) >= confirmationRequired {
		// Carry short-term context from the parent into the new branch.
		snapshot := map[string]any{"recent_messages": ribbon.RecentMessages}
		if err := e.episodes.AttachContinuitySnapshot(ctx, pending.ID, snapshot); err != nil {
			e.logger.Warn("continuity snapshot failed", zap.Error(err))
		}
		promoted, err := e.episodes.PromoteFork(ctx, pending.ID)
		if err != nil {
			e.logger.Warn("fork promotion failed", zap.Error(err))
		} else if promoted != nil {
			event.Action = "promoted"
		}
	}
	trace.Fork = event
}

// effectiveForkParams resolves confirmation_required and pending_ttl_knots,
// preferring the latest self-tuning bead over static config, clamped to the
// worker bounds.
func (e *Engine) effectiveForkParams(ctx context.Context) (confirmationRequired, ttlKnots int) {
	confirmationRequired = e.params.ConfirmationRequired
	ttlKnots = e.params.ForkTTLKnots

	beads, err := e.store.GetRecentBeadVersions(ctx, domain.BeadTypeMemory, 25)
	if err != nil {
		return confirmationRequired, ttlKnots
	}
	for i := len(beads) - 1; i >= 0; i-- {
		if kind, _ := beads[i].Data["kind"].(string); kind != service.BeadKindForkParams {
			continue
		}
		if v, ok := numeric(beads[i].Data["confirmation_required"]); ok {
			confirmationRequired = clampInt(int(v), MinConfirmationRequired, MaxConfirmationRequired)
		}
		if v, ok := numeric(beads[i].Data["pending_ttl_knots"]); ok {
			ttlKnots = clampInt(int(v), MinForkTTLKnots, MaxForkTTLKnots)
		}
		break
	}
	return confirmationRequired, ttlKnots
}

// appendObservation records a best-effort observation delta; failures here
// are only logged.
func (e *Engine) appendObservation(ctx context.Context, message string, confidence float64, prov domain.ProvenanceKind) {
	if _, err := e.store.AppendDelta(ctx, domain.Delta{
		Kind:       domain.DeltaKindObservation,
		Provenance: domain.Provenance{Kind: prov},
		Confidence: confidence,
		Payload:    map[string]any{"message": message},
	}); err != nil {
		e.logger.Warn("observation delta append failed", zap.Error(err))
	}
}

func turnSummary(userMessage string) string {
	const maxLen = 120
	if len(userMessage) > maxLen {
		userMessage = userMessage[:maxLen] + "…"
	}
	return "Responded to: " + userMessage
}

func beadRefPayload(ref domain.BeadRef) map[string]any {
	return map[string]any{
		"bead_id":         ref.BeadID,
		"bead_version_id": ref.BeadVersionID,
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
