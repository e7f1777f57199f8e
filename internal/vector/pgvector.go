package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGIndex searches a pgvector table by cosine distance.
type PGIndex struct {
	pool *pgxpool.Pool
}

func NewPGIndex(ctx context.Context, databaseURL string, dimensions int) (*PGIndex, error) {
	if databaseURL == "" {
		return nil, errors.New("vector: database url must not be empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("vector: connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGIndex{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if dimensions <= 0 {
		dimensions = 1536
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		);`, dimensions),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vector: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PGIndex) Search(ctx context.Context, embedding []float32, topK int) ([]Hit, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT title, url, content, 1 - (embedding <=> $1::vector) AS similarity
		 FROM documents ORDER BY embedding <=> $1::vector, id LIMIT $2`,
		pgvector.NewVector(embedding),
		topK,
	)
	if err != nil {
		return nil, fmt.Errorf("vector: query documents: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, topK)
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Title, &h.URL, &h.Content, &h.Similarity); err != nil {
			return nil, fmt.Errorf("vector: scan document row: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector: iterate document rows: %w", err)
	}
	return hits, nil
}

// Ping checks that the database is reachable.
func (p *PGIndex) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PGIndex) Close() {
	p.pool.Close()
}
