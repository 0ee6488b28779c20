package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockClient produces deterministic offline embeddings: token hashes are
// scattered across a fixed-width vector which is then L2-normalized. Similar
// texts share tokens and land near each other, which is enough for tests and
// local development without network access.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dimensions)

	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == ' ' || text[i] == '\n' || text[i] == '\t' {
			if i > start {
				h := fnv.New64a()
				_, _ = h.Write([]byte(text[start:i]))
				sum := h.Sum64()
				vec[sum%Dimensions] += 1.0
				vec[(sum>>16)%Dimensions] += 0.5
			}
			start = i + 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
