package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PGVectorSchema is the DDL PGVector expects to already be applied.
const PGVectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS vector_points (
	id        TEXT PRIMARY KEY,
	document  TEXT NOT NULL,
	metadata  JSONB NOT NULL,
	embedding VECTOR NOT NULL
);
`

// PGVector is a VectorStore backed by a pgvector-enabled Postgres table. It
// does not implement NativeHybrid: the spec's "others fall back to merging"
// path is exercised through this backend in the query service.
type PGVector struct {
	pool *pgxpool.Pool
}

// NewPGVector connects to dsn and registers pgvector's codec on each
// connection.
func NewPGVector(ctx context.Context, dsn string) (*PGVector, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse pgvector dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect pgvector: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore: ping pgvector: %w", err)
	}
	return &PGVector{pool: pool}, nil
}

func (p *PGVector) Upsert(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO vector_points (id, document, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
		id, document, meta, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("vectorstore: pgvector upsert %s: %w", id, err)
	}
	return nil
}

func (p *PGVector) Query(ctx context.Context, embedding []float32, n int, where map[string]any) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clause, args := whereToJSONBClause(where)
	vec := pgvector.NewVector(embedding)
	args = append(args, vec, n)
	sql := fmt.Sprintf(`
		SELECT id, document, metadata, embedding <=> $%d AS distance
		FROM vector_points%s
		ORDER BY embedding <=> $%d
		LIMIT $%d`, len(args)-1, clause, len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: pgvector query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id, document string
		var metaRaw []byte
		var distance float64
		if err := rows.Scan(&id, &document, &metaRaw, &distance); err != nil {
			return nil, fmt.Errorf("vectorstore: scan pgvector row: %w", err)
		}
		var metadata map[string]any
		_ = json.Unmarshal(metaRaw, &metadata)
		matches = append(matches, Match{ID: id, Document: document, Metadata: metadata, Distance: distance})
	}
	return matches, rows.Err()
}

func (p *PGVector) Delete(ctx context.Context, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM vector_points WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("vectorstore: pgvector delete: %w", err)
	}
	return nil
}

func (p *PGVector) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vector_points`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorstore: pgvector count: %w", err)
	}
	return n, nil
}

func (p *PGVector) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.pool.Exec(ctx, `TRUNCATE vector_points`)
	if err != nil {
		return fmt.Errorf("vectorstore: pgvector reset: %w", err)
	}
	return nil
}

func (p *PGVector) Close() error {
	p.pool.Close()
	return nil
}

func whereToJSONBClause(where map[string]any) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	var conds []string
	var args []any
	for k, v := range where {
		args = append(args, fmt.Sprintf("%v", v))
		conds = append(conds, fmt.Sprintf("metadata->>'%s' = $%d", strings.ReplaceAll(k, "'", ""), len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
