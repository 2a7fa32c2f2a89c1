package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/halcyonsec/kbagent/knowledge"
)

// Postgres backs the document store with pgvector. One row per chunk,
// keyed (collection, id); the upsert makes re-ingestion of identical
// content a no-op at the row level.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Upsert(ctx context.Context, chunks []knowledge.Chunk) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	for _, chunk := range chunks {
		if _, err := knowledge.ParseCollection(string(chunk.Collection)); err != nil {
			return err
		}

		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}

		// Each chunk is one statement so a failure never leaves a partial
		// row and readers never wait on the whole batch.
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO kb_chunks (collection, id, content, embedding, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (collection, id) DO UPDATE
			SET content = EXCLUDED.content,
			    embedding = EXCLUDED.embedding,
			    metadata = EXCLUDED.metadata,
			    updated_at = NOW()
		`, string(chunk.Collection), chunk.ID, chunk.Content, pgvector.NewVector(normalize(chunk.Embedding)), meta); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	return nil
}

func (s *Postgres) Search(ctx context.Context, embedding []float32, collections []knowledge.Collection, topK int) ([]Match, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if topK <= 0 {
		topK = 5
	}
	if len(collections) == 0 {
		collections = knowledge.Collections()
	}
	embedding = normalize(embedding)

	results := make([]Match, 0, topK*len(collections))
	for _, collection := range collections {
		matches, err := s.searchCollection(ctx, embedding, collection, topK)
		if err != nil {
			return nil, err
		}
		results = append(results, matches...)
	}

	return results, nil
}

func (s *Postgres) searchCollection(ctx context.Context, embedding []float32, collection knowledge.Collection, topK int) ([]Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, metadata, (embedding <-> $2::vector) AS distance
		FROM kb_chunks
		WHERE collection = $1
		ORDER BY embedding <-> $2::vector, id
		LIMIT $3
	`, string(collection), pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var (
			item Match
			meta []byte
		)
		if scanErr := rows.Scan(&item.ChunkID, &item.Content, &meta, &item.Distance); scanErr != nil {
			return nil, fmt.Errorf("scan chunk: %w", scanErr)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		item.Collection = collection
		item.Score = score(item.Distance)
		matches = append(matches, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return matches, nil
}

func (s *Postgres) Count(ctx context.Context, collection knowledge.Collection) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM kb_chunks WHERE collection = $1", string(collection)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count collection %s: %w", collection, err)
	}
	return count, nil
}

func (s *Postgres) Clear(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE kb_chunks"); err != nil {
		return fmt.Errorf("truncate kb_chunks: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var _ Store = (*Postgres)(nil)
