package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"braid/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PgvectorIndex stores turn-summary embeddings in the semantic_entries
// table, scoped by braid id. Search ranks by cosine similarity.
type PgvectorIndex struct {
	db       *pgxpool.Pool
	braidID  string
	embedder domain.EmbeddingClient
}

func NewPgvectorIndex(db *pgxpool.Pool, braidID string, embedder domain.EmbeddingClient) *PgvectorIndex {
	return &PgvectorIndex{db: db, braidID: braidID, embedder: embedder}
}

func (p *PgvectorIndex) Upsert(ctx context.Context, id string, userText, assistantText string, payload map[string]any) error {
	vec, err := p.embedder.Embed(ctx, embedDocument(userText, assistantText))
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = p.db.Exec(ctx,
		`INSERT INTO semantic_entries (id, braid_id, user_text, assistant_text, payload, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_text = EXCLUDED.user_text,
			assistant_text = EXCLUDED.assistant_text,
			payload = EXCLUDED.payload,
			embedding = EXCLUDED.embedding`,
		id, p.braidID, userText, assistantText, payloadJSON, pgvector.NewVector(vec),
	)
	if err != nil {
		return fmt.Errorf("upsert semantic entry: %w", err)
	}
	return nil
}

func (p *PgvectorIndex) Search(ctx context.Context, query string, topK int) ([]domain.SemanticHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := p.db.Query(ctx,
		`SELECT payload, user_text, assistant_text, 1 - (embedding <=> $1) AS score
		FROM semantic_entries
		WHERE braid_id = $2 AND embedding IS NOT NULL
		ORDER BY score DESC
		LIMIT $3`,
		pgvector.NewVector(vec), p.braidID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("semantic search query: %w", err)
	}
	defer rows.Close()

	var hits []domain.SemanticHit
	for rows.Next() {
		var payloadJSON []byte
		var userText, assistantText string
		var score float64
		if err := rows.Scan(&payloadJSON, &userText, &assistantText, &score); err != nil {
			return nil, fmt.Errorf("scan semantic hit: %w", err)
		}

		payload := map[string]any{}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &payload); err != nil {
				return nil, fmt.Errorf("unmarshal semantic payload: %w", err)
			}
		}
		payload["user_text"] = userText
		payload["assistant_text"] = assistantText
		hits = append(hits, domain.SemanticHit{Score: score, Payload: payload})
	}
	return hits, rows.Err()
}
