package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"braid/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEventStore is the durable EventStore backend. It exposes the
// identical contract as MemoryEventStore; callers must not depend on which
// backend is configured. All rows are keyed by braid_id so one database can
// host many braids, but each store instance is still scoped to one braid.
type PostgresEventStore struct {
	db      *pgxpool.Pool
	braidID string
}

// NewPostgresEventStore scopes a store to one braid and makes sure the
// braid's bookkeeping row exists (active episode pointer + append sequence).
func NewPostgresEventStore(ctx context.Context, db *pgxpool.Pool, braidID string) (*PostgresEventStore, error) {
	_, err := db.Exec(ctx,
		`INSERT INTO braids (braid_id, last_seq) VALUES ($1, 0)
		 ON CONFLICT (braid_id) DO NOTHING`, braidID)
	if err != nil {
		return nil, fmt.Errorf("ensure braid row: %w", err)
	}
	return &PostgresEventStore{db: db, braidID: braidID}, nil
}

func (s *PostgresEventStore) BraidID() string { return s.braidID }

func (s *PostgresEventStore) AppendDelta(ctx context.Context, d domain.Delta) (*domain.Delta, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.BraidID = s.braidID

	payloadJSON, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal delta payload: %w", err)
	}

	// Sequence assignment and insert share one transaction so the append is
	// atomic and the per-braid total order has no gaps under concurrency.
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx,
		`UPDATE braids SET last_seq = last_seq + 1 WHERE braid_id = $1 RETURNING last_seq`,
		s.braidID,
	).Scan(&d.Seq); err != nil {
		return nil, fmt.Errorf("assign delta seq: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO deltas (id, braid_id, seq, kind, prov_kind, prov_episode_id, prov_knot_id, confidence, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.BraidID, d.Seq, d.Kind, d.Provenance.Kind, d.Provenance.EpisodeID, d.Provenance.KnotID,
		d.Confidence, payloadJSON, d.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert delta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	stored := d
	return &stored, nil
}

func (s *PostgresEventStore) GetRecentDeltas(ctx context.Context, n int) ([]domain.Delta, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, braid_id, seq, kind, prov_kind, prov_episode_id, prov_knot_id, confidence, payload, created_at
		 FROM deltas WHERE braid_id = $1 ORDER BY seq DESC LIMIT $2`,
		s.braidID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delta
	for rows.Next() {
		var d domain.Delta
		var payloadJSON []byte
		if err := rows.Scan(&d.ID, &d.BraidID, &d.Seq, &d.Kind, &d.Provenance.Kind,
			&d.Provenance.EpisodeID, &d.Provenance.KnotID, &d.Confidence, &payloadJSON, &d.CreatedAt); err != nil {
			return nil, err
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &d.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal delta payload: %w", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseDeltas(out)
	return out, nil
}

func (s *PostgresEventStore) UpsertBeadVersion(ctx context.Context, beadID string, beadType domain.BeadType, data map[string]any) (*domain.BeadRef, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal bead data: %w", err)
	}
	versionID := uuid.NewString()
	if _, err := s.db.Exec(ctx,
		`INSERT INTO bead_versions (version_id, braid_id, bead_id, bead_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		versionID, s.braidID, beadID, beadType, dataJSON,
	); err != nil {
		return nil, fmt.Errorf("insert bead version: %w", err)
	}
	return &domain.BeadRef{BeadID: beadID, BeadVersionID: versionID}, nil
}

func (s *PostgresEventStore) GetRecentBeadVersions(ctx context.Context, beadType domain.BeadType, n int) ([]domain.BeadVersion, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT version_id, braid_id, bead_id, bead_type, data, created_at
	 FROM bead_versions WHERE braid_id = $1`
	args := []any{s.braidID}
	if beadType != "" {
		query += ` AND bead_type = $2`
		args = append(args, beadType)
	}
	query += fmt.Sprintf(` ORDER BY ord DESC LIMIT %d`, n)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BeadVersion
	for rows.Next() {
		var v domain.BeadVersion
		var dataJSON []byte
		if err := rows.Scan(&v.VersionID, &v.BraidID, &v.BeadID, &v.BeadType, &dataJSON, &v.CreatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &v.Data); err != nil {
				return nil, fmt.Errorf("unmarshal bead data: %w", err)
			}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Restore ascending write order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresEventStore) CommitKnot(ctx context.Context, in domain.CommitKnotInput) (*domain.Knot, error) {
	k := domain.Knot{
		ID:               uuid.NewString(),
		BraidID:          s.braidID,
		PrimaryEpisodeID: in.PrimaryEpisodeID,
		StartDeltaID:     in.StartDeltaID,
		EndDeltaID:       in.EndDeltaID,
		StartTS:          in.StartTS,
		EndTS:            in.EndTS,
		Summary:          in.Summary,
		ThoughtBeadRef:   in.ThoughtBeadRef,
		PlannedTools:     in.PlannedTools,
		ExecutedTools:    in.ExecutedTools,
	}

	thoughtJSON, err := json.Marshal(k.ThoughtBeadRef)
	if err != nil {
		return nil, fmt.Errorf("marshal thought bead ref: %w", err)
	}
	plannedJSON, err := json.Marshal(k.PlannedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal planned tools: %w", err)
	}
	executedJSON, err := json.Marshal(k.ExecutedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal executed tools: %w", err)
	}

	if err := s.db.QueryRow(ctx,
		`INSERT INTO knots (id, braid_id, primary_episode_id, start_delta_id, end_delta_id, start_ts, end_ts, summary, thought_bead_ref, planned_tools, executed_tools, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 RETURNING created_at`,
		k.ID, k.BraidID, k.PrimaryEpisodeID, k.StartDeltaID, k.EndDeltaID, k.StartTS, k.EndTS,
		k.Summary, thoughtJSON, plannedJSON, executedJSON,
	).Scan(&k.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert knot: %w", err)
	}
	return &k, nil
}

func (s *PostgresEventStore) GetRecentKnots(ctx context.Context, n int) ([]domain.Knot, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, braid_id, primary_episode_id, start_delta_id, end_delta_id, start_ts, end_ts, summary, thought_bead_ref, planned_tools, executed_tools, created_at
		 FROM knots WHERE braid_id = $1 ORDER BY created_at DESC LIMIT $2`,
		s.braidID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Knot
	for rows.Next() {
		var k domain.Knot
		var thoughtJSON, plannedJSON, executedJSON []byte
		if err := rows.Scan(&k.ID, &k.BraidID, &k.PrimaryEpisodeID, &k.StartDeltaID, &k.EndDeltaID,
			&k.StartTS, &k.EndTS, &k.Summary, &thoughtJSON, &plannedJSON, &executedJSON, &k.CreatedAt); err != nil {
			return nil, err
		}
		if len(thoughtJSON) > 0 && string(thoughtJSON) != "null" {
			if err := json.Unmarshal(thoughtJSON, &k.ThoughtBeadRef); err != nil {
				return nil, fmt.Errorf("unmarshal thought bead ref: %w", err)
			}
		}
		if len(plannedJSON) > 0 {
			if err := json.Unmarshal(plannedJSON, &k.PlannedTools); err != nil {
				return nil, fmt.Errorf("unmarshal planned tools: %w", err)
			}
		}
		if len(executedJSON) > 0 {
			if err := json.Unmarshal(executedJSON, &k.ExecutedTools); err != nil {
				return nil, fmt.Errorf("unmarshal executed tools: %w", err)
			}
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresEventStore) GetEpisode(ctx context.Context, id string) (*domain.Episode, error) {
	e, err := s.scanEpisode(s.db.QueryRow(ctx,
		`SELECT id, braid_id, state, labels, edges, summary_cache
		 FROM episodes WHERE id = $1 AND braid_id = $2`,
		id, s.braidID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresEventStore) UpsertEpisode(ctx context.Context, e *domain.Episode) error {
	if e.ID == "" {
		e.ID = "episode:" + uuid.NewString()
	}
	e.BraidID = s.braidID

	labelsJSON, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	edgesJSON, err := json.Marshal(e.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	cacheJSON, err := json.Marshal(e.SummaryCache)
	if err != nil {
		return fmt.Errorf("marshal summary cache: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO episodes (id, braid_id, state, labels, edges, summary_cache, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			labels = EXCLUDED.labels,
			edges = EXCLUDED.edges,
			summary_cache = EXCLUDED.summary_cache,
			updated_at = NOW()`,
		e.ID, e.BraidID, e.State, labelsJSON, edgesJSON, cacheJSON,
	)
	return err
}

func (s *PostgresEventStore) ListEpisodes(ctx context.Context, state domain.EpisodeState, limit int) ([]domain.Episode, error) {
	query := `SELECT id, braid_id, state, labels, edges, summary_cache FROM episodes WHERE braid_id = $1`
	args := []any{s.braidID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Episode
	for rows.Next() {
		e, err := s.scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresEventStore) GetActiveEpisode(ctx context.Context) (*domain.Episode, error) {
	var activeID *string
	err := s.db.QueryRow(ctx,
		`SELECT active_episode_id FROM braids WHERE braid_id = $1`, s.braidID,
	).Scan(&activeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if activeID == nil || *activeID == "" {
		return nil, nil
	}
	e, err := s.GetEpisode(ctx, *activeID)
	if err != nil || e == nil {
		return nil, err
	}
	if e.State != domain.EpisodeActive {
		return nil, nil
	}
	return e, nil
}

func (s *PostgresEventStore) SetActiveEpisodeID(ctx context.Context, episodeID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE braids SET active_episode_id = $2 WHERE braid_id = $1`,
		s.braidID, episodeID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresEventStore) scanEpisode(row rowScanner) (*domain.Episode, error) {
	var e domain.Episode
	var labelsJSON, edgesJSON, cacheJSON []byte
	if err := row.Scan(&e.ID, &e.BraidID, &e.State, &labelsJSON, &edgesJSON, &cacheJSON); err != nil {
		return nil, err
	}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &e.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	if len(edgesJSON) > 0 && string(edgesJSON) != "null" {
		if err := json.Unmarshal(edgesJSON, &e.Edges); err != nil {
			return nil, fmt.Errorf("unmarshal edges: %w", err)
		}
	}
	if len(cacheJSON) > 0 && string(cacheJSON) != "null" {
		if err := json.Unmarshal(cacheJSON, &e.SummaryCache); err != nil {
			return nil, fmt.Errorf("unmarshal summary cache: %w", err)
		}
	}
	return &e, nil
}

func reverseDeltas(ds []domain.Delta) {
	for i, j := 0, len(ds)-1; i < j; i, j = i+1, j-1 {
		ds[i], ds[j] = ds[j], ds[i]
	}
}
