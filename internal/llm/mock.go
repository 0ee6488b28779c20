package llm

import (
	"context"
	"strings"
	"time"

	"braid/internal/domain"
)

// MockClient is a deterministic offline cognition provider for tests and
// local development without a model server.
//
// Heuristics:
//   - "docs", "documentation" or "search" in the message requests a
//     docs_search microagent
//   - "switch topics" in the message proposes a fork with confidence 0.9
type MockClient struct {
	// Call tracking for assertions
	ThinkCalls     []string
	SpeakCalls     []string
	PlanToolsCalls []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Think(ctx context.Context, req domain.TurnRequest) (*domain.Thought, error) {
	c.ThinkCalls = append(c.ThinkCalls, req.UserMessage)
	start := time.Now().UTC()
	lower := strings.ToLower(req.UserMessage)

	structured := domain.ThoughtStructured{
		Summary: "I reviewed the recent context and prepared a response.",
	}

	if strings.Contains(lower, "docs") || strings.Contains(lower, "search") || strings.Contains(lower, "documentation") {
		structured.Microagent = &domain.MicroagentRequest{
			ShouldSpawn:    true,
			Goal:           req.UserMessage,
			RequestedTools: []string{"docs_search"},
			Notes:          "Spawn a microagent for tool use.",
		}
	}

	if strings.Contains(lower, "switch topics") {
		structured.Fork = &domain.ForkProposal{
			ShouldFork: true,
			Confidence: 0.9,
			Reason:     "Explicit topic switch requested.",
			Labels: domain.EpisodeLabels{
				Topics:     []string{"topic_switch"},
				Intents:    []string{},
				Modalities: []string{"text"},
			},
		}
	}

	return &domain.Thought{
		Narrative:  structured.Summary,
		Structured: structured,
		StartTS:    start,
		EndTS:      time.Now().UTC(),
	}, nil
}

func (c *MockClient) Speak(ctx context.Context, req domain.TurnRequest, executedTools []domain.ExecutedToolCall) (string, error) {
	c.SpeakCalls = append(c.SpeakCalls, req.UserMessage)

	var sb strings.Builder
	sb.WriteString("(mock) I received your message and will respond helpfully.\n\nYou said:\n")
	sb.WriteString(req.UserMessage)
	for _, tool := range executedTools {
		if tool.OK {
			sb.WriteString("\n\nTool ")
			sb.WriteString(tool.Name)
			sb.WriteString(" ran successfully.")
		}
	}
	return sb.String(), nil
}

func (c *MockClient) PlanTools(ctx context.Context, goal string, allowedTools []string, ribbon *domain.Ribbon) ([]domain.PlannedToolCall, error) {
	c.PlanToolsCalls = append(c.PlanToolsCalls, goal)

	var calls []domain.PlannedToolCall
	for _, name := range allowedTools {
		if name == "docs_search" {
			calls = append(calls, domain.PlannedToolCall{
				Name: "docs_search",
				Args: map[string]any{"query": goal, "max_hits": 5},
			})
		}
	}
	return calls, nil
}

// Reset clears all recorded calls.
func (c *MockClient) Reset() {
	c.ThinkCalls = nil
	c.SpeakCalls = nil
	c.PlanToolsCalls = nil
}
