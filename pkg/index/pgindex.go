package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// PGIndex implements Index on PostgreSQL with pgvector. Similarity is
// cosine, ranked with the `<=>` distance operator over the entity_vectors
// table.
type PGIndex struct {
	conn pgxIConn
}

// NewPGIndex creates a PGIndex on an existing connection or pool. The
// schema must already be in place, see RunMigrations.
func NewPGIndex(conn pgxIConn) *PGIndex {
	return &PGIndex{conn: conn}
}

func (s *PGIndex) Query(ctx context.Context, params QueryParams) ([]Match, error) {
	if len(params.Vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	topK := params.TopK
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, metadata, embedding, 1 - (embedding <=> $1) AS score
		FROM entity_vectors
		WHERE entity_type = $2
		  AND ($3 = '' OR id <> $3)
		ORDER BY embedding <=> $1
		LIMIT $4
	`, pgvector.NewVector(params.Vector), params.EntityType, params.ExcludeID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var (
			id       string
			metaJSON []byte
			emb      pgvector.Vector
			score    float64
		)
		if err := rows.Scan(&id, &metaJSON, &emb, &score); err != nil {
			return nil, err
		}
		m := Match{ID: id, Score: score}
		if params.IncludeMetadata {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
			}
		}
		if params.IncludeVector {
			m.Vector = emb.Slice()
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PGIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("upsert id is empty")
	}
	entityType := metadata[MetadataKeyType]
	if entityType == "" {
		return fmt.Errorf("upsert metadata for %s is missing %s", id, MetadataKeyType)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(ctx, `
		INSERT INTO entity_vectors (id, entity_type, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding
	`, id, entityType, metaJSON, pgvector.NewVector(vector))
	return err
}

func (s *PGIndex) UpdateMetadata(ctx context.Context, id string, patch map[string]string) error {
	if len(patch) == 0 {
		return nil
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	tag, err := s.conn.Exec(ctx, `
		UPDATE entity_vectors
		SET metadata = metadata || $2::jsonb
		WHERE id = $1
	`, id, patchJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update metadata for %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PGIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, `DELETE FROM entity_vectors WHERE id = ANY($1)`, ids)
	return err
}

func (s *PGIndex) Fetch(ctx context.Context, id string) (Match, error) {
	var (
		metaJSON []byte
		emb      pgvector.Vector
	)
	err := s.conn.QueryRow(ctx, `
		SELECT metadata, embedding
		FROM entity_vectors
		WHERE id = $1
	`, id).Scan(&metaJSON, &emb)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return Match{}, fmt.Errorf("fetch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Match{}, err
	}

	m := Match{ID: id, Score: 1, Vector: emb.Slice()}
	if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
		return Match{}, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return m, nil
}
