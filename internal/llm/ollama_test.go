package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"braid/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaStub(t *testing.T, handler func(req ollamaRequest) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := ollamaResponse{}
		resp.Message.Content = handler(req)
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOllamaClient_Think(t *testing.T) {
	srv := ollamaStub(t, func(req ollamaRequest) string {
		assert.Equal(t, "json", req.Format)
		return `{"thought_summary":"plan the reply","fork":{"should_fork":true,"confidence":0.8,"reason":"drift","candidate_episode_labels":{"topics":["t"],"intents":[],"modalities":["text"]}}}`
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "", "test-model", time.Second)
	thought, err := client.Think(context.Background(), domain.TurnRequest{UserMessage: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "plan the reply", thought.Narrative)
	require.NotNil(t, thought.Structured.Fork)
	assert.Equal(t, 0.8, thought.Structured.Fork.Confidence)
}

func TestOllamaClient_SpeakPlainText(t *testing.T) {
	srv := ollamaStub(t, func(req ollamaRequest) string {
		assert.Empty(t, req.Format)
		return "  here you go  "
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "", "test-model", time.Second)
	text, err := client.Speak(context.Background(), domain.TurnRequest{UserMessage: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "here you go", text)
}

func TestOllamaClient_RecoversJSONWrappedInProse(t *testing.T) {
	srv := ollamaStub(t, func(req ollamaRequest) string {
		return "Sure! Here is the plan: {\"tool_calls\":[{\"name\":\"clock\",\"args\":{}}],\"notes\":\"done\"}"
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "", "test-model", time.Second)
	calls, err := client.PlanTools(context.Background(), "what time is it", []string{"clock"}, nil)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "clock", calls[0].Name)
}

func TestOllamaClient_RepairRetryOnInvalidJSON(t *testing.T) {
	var calls int
	srv := ollamaStub(t, func(req ollamaRequest) string {
		calls++
		if calls == 1 {
			return "not json at all"
		}
		// The retry carries the repair instruction.
		last := req.Messages[len(req.Messages)-1]
		assert.Equal(t, "system", last.Role)
		assert.Contains(t, last.Content, "valid JSON")
		return `{"tool_calls":[],"notes":"repaired"}`
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "", "test-model", time.Second)
	plan, err := client.PlanTools(context.Background(), "goal", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, plan)
	assert.Equal(t, 2, calls)
}

func TestOllamaClient_FallbackEndpoint(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	fallback := ollamaStub(t, func(req ollamaRequest) string { return "from fallback" })
	defer fallback.Close()

	client := NewOllamaClient(primary.URL, fallback.URL, "test-model", time.Second)
	text, err := client.Speak(context.Background(), domain.TurnRequest{UserMessage: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from fallback", text)
}

func TestOllamaClient_AllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "", "test-model", time.Second)
	_, err := client.Speak(context.Background(), domain.TurnRequest{UserMessage: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all ollama endpoints failed")
}
