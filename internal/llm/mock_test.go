package llm

import (
	"context"
	"testing"

	"braid/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_TopicSwitchProposesFork(t *testing.T) {
	client := NewMockClient()

	thought, err := client.Think(context.Background(), domain.TurnRequest{
		UserMessage: "Let's switch topics to cooking",
	})
	require.NoError(t, err)

	fork := thought.Structured.Fork
	require.NotNil(t, fork)
	assert.True(t, fork.ShouldFork)
	assert.Equal(t, 0.9, fork.Confidence)
	assert.Equal(t, []string{"topic_switch"}, fork.Labels.Topics)
	assert.Equal(t, []string{"text"}, fork.Labels.Modalities)
}

func TestMockClient_DocsRequestSpawnsMicroagent(t *testing.T) {
	client := NewMockClient()

	thought, err := client.Think(context.Background(), domain.TurnRequest{
		UserMessage: "search the docs for episode TTL",
	})
	require.NoError(t, err)

	ma := thought.Structured.Microagent
	require.NotNil(t, ma)
	assert.True(t, ma.ShouldSpawn)
	assert.Equal(t, []string{"docs_search"}, ma.RequestedTools)
	assert.Nil(t, thought.Structured.Fork)
}

func TestMockClient_PlainMessage(t *testing.T) {
	client := NewMockClient()

	thought, err := client.Think(context.Background(), domain.TurnRequest{
		UserMessage: "hello there",
	})
	require.NoError(t, err)
	assert.Nil(t, thought.Structured.Microagent)
	assert.Nil(t, thought.Structured.Fork)
	assert.NotEmpty(t, thought.Narrative)

	text, err := client.Speak(context.Background(), domain.TurnRequest{UserMessage: "hello there"}, nil)
	require.NoError(t, err)
	assert.Contains(t, text, "hello there")
}

func TestMockClient_PlanToolsHonorsAllowList(t *testing.T) {
	client := NewMockClient()

	calls, err := client.PlanTools(context.Background(), "find the docs", []string{"clock"}, nil)
	require.NoError(t, err)
	assert.Empty(t, calls)

	calls, err = client.PlanTools(context.Background(), "find the docs", []string{"docs_search"}, nil)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "docs_search", calls[0].Name)
	assert.Equal(t, "find the docs", calls[0].Args["query"])
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(ProviderMock, "", "", "", 0)
	require.NoError(t, err)
	assert.NotNil(t, client)

	client, err = NewClient(ProviderOllama, "http://localhost:11434", "", "llama3.1", 0)
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = NewClient(ProviderOllama, "", "", "", 0)
	require.Error(t, err)

	_, err = NewClient("gpt-slice", "", "", "", 0)
	require.Error(t, err)
}
