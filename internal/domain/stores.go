package domain

import (
	"context"
	"time"
)

// CommitKnotInput carries everything needed to close one turn.
type CommitKnotInput struct {
	PrimaryEpisodeID string
	StartDeltaID     string
	EndDeltaID       string
	StartTS          time.Time
	EndTS            time.Time
	Summary          string
	ThoughtBeadRef   *BeadRef
	PlannedTools     []PlannedToolCall
	ExecutedTools    []ExecutedToolCall
}

// EventStore owns all persistent state for one braid: the append-only delta
// log, the versioned bead store, knots and the episode table. Every other
// component reads and appends through this interface and never mutates in
// place.
//
// Contract notes:
//   - each mutating call is individually atomic for the braid; no cross-call
//     transactions are provided
//   - unknown-id lookups return (nil, nil), never an error
//   - GetRecentDeltas returns the most recent n in ascending append order
//   - bead version reads are scoped to this store's braid only
type EventStore interface {
	BraidID() string

	AppendDelta(ctx context.Context, d Delta) (*Delta, error)
	GetRecentDeltas(ctx context.Context, n int) ([]Delta, error)

	UpsertBeadVersion(ctx context.Context, beadID string, beadType BeadType, data map[string]any) (*BeadRef, error)
	GetRecentBeadVersions(ctx context.Context, beadType BeadType, n int) ([]BeadVersion, error)

	CommitKnot(ctx context.Context, in CommitKnotInput) (*Knot, error)
	GetRecentKnots(ctx context.Context, n int) ([]Knot, error)

	GetEpisode(ctx context.Context, id string) (*Episode, error)
	UpsertEpisode(ctx context.Context, e *Episode) error
	ListEpisodes(ctx context.Context, state EpisodeState, limit int) ([]Episode, error)
	GetActiveEpisode(ctx context.Context) (*Episode, error)
	SetActiveEpisodeID(ctx context.Context, episodeID string) error
}

// Ribbon is the bounded recent-context window assembled for the cognition
// provider: recent messages plus semantic recall, with log stats.
type Ribbon struct {
	RecentMessages []RibbonMessage  `json:"recent_messages"`
	SemanticBeads  []map[string]any `json:"semantic_beads,omitempty"`
	Stats          RibbonStats      `json:"stats"`
}

type RibbonMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type RibbonStats struct {
	KnotCount  int `json:"knot_count"`
	DeltaCount int `json:"delta_count"`
}

// TurnRequest is the input to one cognition pass.
type TurnRequest struct {
	BraidID          string
	PrimaryEpisodeID string
	UserMessage      string
	Ribbon           *Ribbon
}

// MicroagentRequest asks for a single-shot tool-using agent to be spawned.
type MicroagentRequest struct {
	ShouldSpawn    bool     `json:"should_spawn"`
	Goal           string   `json:"goal"`
	RequestedTools []string `json:"requested_tools"`
	Notes          string   `json:"notes"`
}

// ThoughtStructured holds the machine-readable part of a think pass.
type ThoughtStructured struct {
	Summary    string             `json:"thought_summary"`
	Microagent *MicroagentRequest `json:"microagent_request,omitempty"`
	Fork       *ForkProposal      `json:"fork,omitempty"`
	Hypotheses []string           `json:"hypotheses,omitempty"`
}

// Thought is the result of a think pass.
type Thought struct {
	Narrative  string
	Structured ThoughtStructured
	StartTS    time.Time
	EndTS      time.Time
}

// CognitionProvider is the external language-model step. Think produces the
// turn's narrative and structured payload; Speak produces the final response
// text given executed tool results. Implementations must be swappable with a
// deterministic offline stand-in for tests.
type CognitionProvider interface {
	Think(ctx context.Context, req TurnRequest) (*Thought, error)
	Speak(ctx context.Context, req TurnRequest, executedTools []ExecutedToolCall) (string, error)
	// PlanTools produces a tool plan for a microagent goal, constrained to
	// allowedTools. The plan is untrusted and re-filtered by the caller.
	PlanTools(ctx context.Context, goal string, allowedTools []string, ribbon *Ribbon) ([]PlannedToolCall, error)
}

// SemanticHit is one ranked result from the semantic index.
type SemanticHit struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SemanticIndex is the optional embedding-based recall surface. A nil or
// absent index degrades to no semantic recall; it must never fail a turn.
type SemanticIndex interface {
	Upsert(ctx context.Context, id string, userText, assistantText string, payload map[string]any) error
	Search(ctx context.Context, query string, topK int) ([]SemanticHit, error)
}

// EmbeddingClient turns text into a vector.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TurnTest is a post-hoc check run against a completed exchange.
type TurnTest interface {
	Name() string
	Run(ctx context.Context, userText, assistantText string) TestResult
}
