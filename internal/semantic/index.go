// Package semantic provides the embedding-based recall backends for turn
// summaries. An index is optional everywhere it is consumed; recall failures
// degrade to no recall and never to a failed turn.
package semantic

import (
	"context"
	"strings"

	"braid/internal/domain"
)

// Backend constants
const (
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
	BackendNone     = "none"
)

// NoopIndex stores nothing and recalls nothing.
type NoopIndex struct{}

func (NoopIndex) Upsert(ctx context.Context, id string, userText, assistantText string, payload map[string]any) error {
	return nil
}

func (NoopIndex) Search(ctx context.Context, query string, topK int) ([]domain.SemanticHit, error) {
	return nil, nil
}

// Slug normalizes an identifier for use inside a collection name.
func Slug(s string) string {
	var sb strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(sb.String(), "_")
}

// embedDocument is the canonical text indexed for one turn summary.
func embedDocument(userText, assistantText string) string {
	return strings.TrimSpace(userText) + "\n\n" + strings.TrimSpace(assistantText)
}
