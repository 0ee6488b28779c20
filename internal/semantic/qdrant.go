package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"braid/internal/domain"

	"github.com/google/uuid"
)

// QdrantIndex keeps one Qdrant collection per braid. It speaks the plain
// REST API: ensure-collection on startup, point upserts on consolidation,
// vector search on recall.
type QdrantIndex struct {
	baseURL    string
	collection string
	braidID    string
	embedder   domain.EmbeddingClient
	dimensions int
	httpClient *http.Client
}

// NewQdrantIndex probes the embedder for its vector width and creates the
// braid's collection if it does not exist yet.
func NewQdrantIndex(ctx context.Context, qdrantURL, braidID string, embedder domain.EmbeddingClient) (*QdrantIndex, error) {
	probe, err := embedder.Embed(ctx, "dim_probe")
	if err != nil {
		return nil, fmt.Errorf("probe embedding dimensions: %w", err)
	}

	idx := &QdrantIndex{
		baseURL:    strings.TrimSuffix(qdrantURL, "/"),
		collection: "braid_semantic_" + Slug(braidID),
		braidID:    braidID,
		embedder:   embedder,
		dimensions: len(probe),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// CollectionName is exposed for tests against a live Qdrant.
func (q *QdrantIndex) CollectionName() string { return q.collection }

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	var listing struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/collections", nil, &listing); err != nil {
		return fmt.Errorf("list qdrant collections: %w", err)
	}
	for _, c := range listing.Result.Collections {
		if c.Name == q.collection {
			return nil
		}
	}

	body := map[string]any{
		"vectors": map[string]any{"size": q.dimensions, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+q.collection, body, nil); err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, id string, userText, assistantText string, payload map[string]any) error {
	vec, err := q.embedder.Embed(ctx, embedDocument(userText, assistantText))
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}

	point := map[string]any{
		// Qdrant point ids must be UUIDs or unsigned ints; bead ids are
		// free-form, so derive a stable UUID from the id.
		"id":     uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String(),
		"vector": vec,
		"payload": mergePayload(map[string]any{
			"braid_id":       q.braidID,
			"bead_id":        id,
			"user_text":      userText,
			"assistant_text": assistantText,
		}, payload),
	}
	body := map[string]any{"points": []any{point}}
	if err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upsert qdrant point: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, query string, topK int) ([]domain.SemanticHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vec, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	body := map[string]any{"vector": vec, "limit": topK, "with_payload": true}
	var result struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body, &result); err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	hits := make([]domain.SemanticHit, 0, len(result.Result))
	for _, h := range result.Result {
		hits = append(hits, domain.SemanticHit{Score: h.Score, Payload: h.Payload})
	}
	return hits, nil
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func mergePayload(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
