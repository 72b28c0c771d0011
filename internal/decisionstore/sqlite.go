package decisionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
)

// sqliteSchema mirrors Schema (Postgres) with SQLite-compatible types: no
// native TEXT[], so tags are stored as a JSON array string and matched with
// LIKE rather than the Postgres `@>` containment operator.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	category    TEXT NOT NULL,
	stakes      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	status      TEXT NOT NULL,
	project     TEXT NOT NULL DEFAULT '',
	feature     TEXT NOT NULL DEFAULT '',
	pr          INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT,
	tags_json   TEXT NOT NULL DEFAULT '[]',
	search_text TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_created_at_idx ON decisions (created_at);
`

// SQLite is a single-file DecisionStore for deployments without Postgres.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if absent) a SQLite database at path and applies
// sqliteSchema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("decisionstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, avoid SQLITE_BUSY under concurrent writes
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("decisionstore: apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, d model.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("decisionstore: begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingCreatedAt string
	var existingBody string
	err = tx.QueryRowContext(ctx, `SELECT created_at, body FROM decisions WHERE id = ?`, d.ID).
		Scan(&existingCreatedAt, &existingBody)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
	case err != nil:
		return fmt.Errorf("decisionstore: check existing: %w", err)
	default:
		createdAt, perr := time.Parse(time.RFC3339Nano, existingCreatedAt)
		if perr == nil {
			d.CreatedAt = createdAt
		}
		var prev model.Decision
		if uerr := json.Unmarshal([]byte(existingBody), &prev); uerr == nil && prev.Outcome != nil {
			incoming := d.Outcome
			d = prev
			if incoming != nil {
				merged := *prev.Outcome
				merged.Lessons = incoming.Lessons
				d.Outcome = &merged
			}
		}
		now := time.Now().UTC()
		d.UpdatedAt = &now
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decisionstore: marshal body: %w", err)
	}
	tagsJSON, err := json.Marshal(d.Tags)
	if err != nil {
		return fmt.Errorf("decisionstore: marshal tags: %w", err)
	}
	var updatedAt any
	if d.UpdatedAt != nil {
		updatedAt = d.UpdatedAt.Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (id, agent_id, category, stakes, confidence, status, project, feature, pr,
		                        created_at, updated_at, tags_json, search_text, body)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			category=excluded.category, stakes=excluded.stakes, confidence=excluded.confidence,
			status=excluded.status, project=excluded.project, feature=excluded.feature, pr=excluded.pr,
			updated_at=excluded.updated_at, tags_json=excluded.tags_json, search_text=excluded.search_text, body=excluded.body`,
		d.ID, d.AgentID, d.Category, string(d.Stakes), d.Confidence, d.Status(), d.Project, d.Feature, d.PR,
		d.CreatedAt.Format(time.RFC3339Nano), updatedAt, string(tagsJSON), strings.ToLower(d.SearchableText()), string(body),
	)
	if err != nil {
		return fmt.Errorf("decisionstore: upsert decision: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, id string) (model.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM decisions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, fmt.Errorf("decisionstore: %s: %w", id, storeerr.ErrNotFound)
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("decisionstore: get: %w", err)
	}
	var d model.Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return model.Decision{}, fmt.Errorf("decisionstore: unmarshal body: %w", err)
	}
	return d, nil
}

func (s *SQLite) List(ctx context.Context, q model.ListQuery) (model.ListResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := buildSQLiteWhere(q.Filters)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return model.ListResult{}, fmt.Errorf("decisionstore: count: %w", err)
	}

	order := "DESC"
	if q.SortDir == model.SortAsc {
		order = "ASC"
	}
	limit, empty := resolveLimit(q.Limit)
	if empty {
		return model.ListResult{Items: []model.Decision{}, TotalMatching: total}, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	sqlStr := fmt.Sprintf(`SELECT body FROM decisions%s ORDER BY created_at %s, id %s LIMIT %d OFFSET %d`,
		where, order, order, limit, offset)
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return model.ListResult{}, fmt.Errorf("decisionstore: list: %w", err)
	}
	defer rows.Close()

	items := make([]model.Decision, 0, limit)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return model.ListResult{}, fmt.Errorf("decisionstore: scan list row: %w", err)
		}
		var d model.Decision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return model.ListResult{}, fmt.Errorf("decisionstore: unmarshal list row: %w", err)
		}
		items = append(items, d)
	}
	return model.ListResult{Items: items, TotalMatching: total}, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context, window model.StatsWindow, filters model.DecisionFilters) (model.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := buildSQLiteWhere(filters)
	if window.Since != nil {
		args = append(args, window.Since.Format(time.RFC3339Nano))
		if where == "" {
			where = " WHERE created_at >= ?"
		} else {
			where += " AND created_at >= ?"
		}
	}

	out := model.Stats{ByCategory: map[string]int{}, ByStakes: map[string]int{}, ByStatus: map[string]int{}, ByAgent: map[string]int{}, ByDay: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, stakes, status, agent_id, created_at, tags_json FROM decisions`+where, args...)
	if err != nil {
		return out, fmt.Errorf("decisionstore: stats: %w", err)
	}
	defer rows.Close()

	tagCounts := map[string]int{}
	now := time.Now().UTC()
	for rows.Next() {
		var category, stakes, status, agent, createdAtStr, tagsJSON string
		if err := rows.Scan(&category, &stakes, &status, &agent, &createdAtStr, &tagsJSON); err != nil {
			return out, fmt.Errorf("decisionstore: scan stats row: %w", err)
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
		out.ByCategory[category]++
		out.ByStakes[stakes]++
		out.ByStatus[status]++
		out.ByAgent[agent]++
		out.ByDay[createdAt.Format("2006-01-02")]++
		var tags []string
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
		for _, t := range tags {
			tagCounts[t]++
		}
		age := now.Sub(createdAt)
		switch {
		case age <= 24*time.Hour:
			out.Last24h++
			out.Last7d++
			out.Last30d++
		case age <= 7*24*time.Hour:
			out.Last7d++
			out.Last30d++
		case age <= 30*24*time.Hour:
			out.Last30d++
		}
	}
	out.TopTags = topTags(tagCounts, 10)
	return out, rows.Err()
}

func (s *SQLite) UpdateOutcome(ctx context.Context, id string, outcome model.OutcomeKind, result string, lessons *string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Outcome != nil {
		return fmt.Errorf("decisionstore: %s already reviewed: %w", id, storeerr.ErrConflict)
	}
	now := time.Now().UTC()
	d.Outcome = &model.Outcome{Outcome: outcome, ActualResult: result, Lessons: lessons, ReviewedAt: now}
	d.UpdatedAt = &now

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decisionstore: marshal outcome update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE decisions SET status = ?, updated_at = ?, body = ? WHERE id = ?`,
		d.Status(), now.Format(time.RFC3339Nano), string(body), id)
	if err != nil {
		return fmt.Errorf("decisionstore: update outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("decisionstore: %s: %w", id, storeerr.ErrNotFound)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context, filters model.DecisionFilters) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := buildSQLiteWhere(filters)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("decisionstore: count: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func buildSQLiteWhere(f model.DecisionFilters) (string, []any) {
	var conds []string
	var args []any

	if f.Category != nil {
		conds = append(conds, "category = ?")
		args = append(args, *f.Category)
	}
	if f.MinConfidence != nil {
		conds = append(conds, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		conds = append(conds, "confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if len(f.Stakes) > 0 {
		placeholders := make([]string, len(f.Stakes))
		for i, v := range f.Stakes {
			placeholders[i] = "?"
			args = append(args, string(v))
		}
		conds = append(conds, "stakes IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, v := range f.Status {
			placeholders[i] = "?"
			args = append(args, v)
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.Agent != nil {
		conds = append(conds, "agent_id = ?")
		args = append(args, *f.Agent)
	}
	if f.Project != nil {
		conds = append(conds, "project = ?")
		args = append(args, *f.Project)
	}
	if f.Feature != nil {
		conds = append(conds, "feature = ?")
		args = append(args, *f.Feature)
	}
	if f.PR != nil {
		conds = append(conds, "pr = ?")
		args = append(args, *f.PR)
	}
	for _, tag := range f.Tags {
		conds = append(conds, "tags_json LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}
	if f.DateRange != nil {
		if f.DateRange.After != nil {
			conds = append(conds, "created_at >= ?")
			args = append(args, f.DateRange.After.Format(time.RFC3339Nano))
		}
		if f.DateRange.Before != nil {
			conds = append(conds, "created_at <= ?")
			args = append(args, f.DateRange.Before.Format(time.RFC3339Nano))
		}
	}
	if f.Search != nil && *f.Search != "" {
		conds = append(conds, "search_text LIKE ?")
		args = append(args, "%"+strings.ToLower(*f.Search)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
