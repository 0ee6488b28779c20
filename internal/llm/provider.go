package llm

import (
	"fmt"
	"time"

	"braid/internal/domain"
)

// Provider constants
const (
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
)

// NewClient creates a cognition provider based on the provider name.
// Returns an error if the provider is unknown.
func NewClient(provider, baseURL, fallbackURL, model string, timeout time.Duration) (domain.CognitionProvider, error) {
	switch provider {
	case ProviderOllama:
		if baseURL == "" {
			return nil, fmt.Errorf("OLLAMA_BASE_URL is required for the ollama provider")
		}
		return NewOllamaClient(baseURL, fallbackURL, model, timeout), nil

	case ProviderMock:
		return NewMockClient(), nil

	default:
		return nil, fmt.Errorf("unknown cognition provider: %s (valid options: ollama, mock)", provider)
	}
}
