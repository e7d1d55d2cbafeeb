package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// ChunkRepo is the local pgvector chunk index. It serves the pure-vector
// stage of the retrieval fallback ladder and full-content loads for lazy
// references when the hosted index is unreachable.
type ChunkRepo struct {
	pool *pgxpool.Pool
}

// NewChunkRepo creates a ChunkRepo.
func NewChunkRepo(pool *pgxpool.Pool) *ChunkRepo {
	return &ChunkRepo{pool: pool}
}

// VectorSearch finds the top-K chunks nearest to the query embedding by
// cosine distance. No reranker threshold applies on this path.
func (r *ChunkRepo) VectorSearch(ctx context.Context, embedding []float32, top int) ([]model.Reference, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("repository.VectorSearch: embedding is empty")
	}
	if top <= 0 {
		top = 10
	}

	vec := pgvector.NewVector(embedding)

	rows, err := r.pool.Query(ctx, `
		SELECT id, title, content, summary, url, page_number,
			1 - (embedding <=> $1::vector) AS similarity
		FROM knowledge_chunks
		ORDER BY embedding <=> $1::vector
		LIMIT $2`,
		vec, top,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.VectorSearch: %w", err)
	}
	defer rows.Close()

	var refs []model.Reference
	for rows.Next() {
		var ref model.Reference
		if err := rows.Scan(&ref.ID, &ref.Title, &ref.Content, &ref.Summary,
			&ref.URL, &ref.PageNumber, &ref.Score); err != nil {
			return nil, fmt.Errorf("repository.VectorSearch: scan: %w", err)
		}
		if ref.DisplayText() == "" {
			continue
		}
		ref.SetMeta("source", "local_index")
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.VectorSearch: rows: %w", err)
	}
	return refs, nil
}

// LoadContent fetches one chunk's full content by exact id.
func (r *ChunkRepo) LoadContent(ctx context.Context, id string) (string, error) {
	var content string
	err := r.pool.QueryRow(ctx,
		`SELECT content FROM knowledge_chunks WHERE id = $1`, id,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("repository.LoadContent: chunk %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("repository.LoadContent: %w", err)
	}
	return content, nil
}

// Ping reports connectivity for the health endpoint.
func (r *ChunkRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
