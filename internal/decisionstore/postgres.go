package decisionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
)

// Postgres is a DecisionStore backed by a single `decisions` table. Scalar
// fields used for filtering/sorting, the tags array and the search text get
// their own columns; the whole decision (reasons, bridge, deliberation,
// outcome, related_to, quality, …) is also stored as a single jsonb "body"
// column and reassembled on read. This keeps the schema stable as the
// Decision shape grows; List filters in SQL on the columns only, so fields
// that live solely in body cannot be filtered on.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Schema is the DDL NewPostgres expects to already be applied (via the
// project's migration tooling, not run automatically here).
const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	category    TEXT NOT NULL,
	stakes      TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	status      TEXT NOT NULL,
	project     TEXT NOT NULL DEFAULT '',
	feature     TEXT NOT NULL DEFAULT '',
	pr          INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ,
	tags        TEXT[] NOT NULL DEFAULT '{}',
	search_text TEXT NOT NULL DEFAULT '',
	body        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_created_at_idx ON decisions (created_at);
CREATE INDEX IF NOT EXISTS decisions_agent_idx ON decisions (agent_id);
CREATE INDEX IF NOT EXISTS decisions_category_idx ON decisions (category);
`

// NewPostgres connects to dsn and returns a ready Postgres store. It does not
// run migrations; apply Schema (or the project's migration files) first.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("decisionstore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("decisionstore: ping postgres: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Save(ctx context.Context, d model.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decisionstore: begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingOutcome []byte
	var existingCreatedAt time.Time
	err = tx.QueryRow(ctx, `SELECT created_at, body->'outcome' FROM decisions WHERE id = $1`, d.ID).
		Scan(&existingCreatedAt, &existingOutcome)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		now := time.Now().UTC()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
	case err != nil:
		return fmt.Errorf("decisionstore: check existing: %w", err)
	default:
		d.CreatedAt = existingCreatedAt
		now := time.Now().UTC()
		if len(existingOutcome) > 0 && string(existingOutcome) != "null" {
			var prev model.Decision
			var body []byte
			if scanErr := tx.QueryRow(ctx, `SELECT body FROM decisions WHERE id = $1`, d.ID).Scan(&body); scanErr == nil {
				_ = json.Unmarshal(body, &prev)
			}
			incoming := d.Outcome
			d = prev
			if incoming != nil && prev.Outcome != nil {
				merged := *prev.Outcome
				merged.Lessons = incoming.Lessons
				d.Outcome = &merged
			}
		}
		d.UpdatedAt = &now
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decisionstore: marshal body: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO decisions (id, agent_id, category, stakes, confidence, status, project, feature, pr,
		                        created_at, updated_at, tags, search_text, body)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category, stakes = EXCLUDED.stakes, confidence = EXCLUDED.confidence,
			status = EXCLUDED.status, project = EXCLUDED.project, feature = EXCLUDED.feature, pr = EXCLUDED.pr,
			updated_at = EXCLUDED.updated_at, tags = EXCLUDED.tags, search_text = EXCLUDED.search_text, body = EXCLUDED.body`,
		d.ID, d.AgentID, d.Category, string(d.Stakes), d.Confidence, d.Status(), d.Project, d.Feature, d.PR,
		d.CreatedAt, d.UpdatedAt, d.Tags, strings.ToLower(d.SearchableText()), body,
	)
	if err != nil {
		return fmt.Errorf("decisionstore: upsert decision: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("decisionstore: commit save: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (model.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM decisions WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Decision{}, fmt.Errorf("decisionstore: %s: %w", id, storeerr.ErrNotFound)
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("decisionstore: get: %w", err)
	}
	var d model.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return model.Decision{}, fmt.Errorf("decisionstore: unmarshal body: %w", err)
	}
	return d, nil
}

func (p *Postgres) List(ctx context.Context, q model.ListQuery) (model.ListResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := buildWhere(q.Filters)

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
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

	sql := fmt.Sprintf(`SELECT body FROM decisions%s ORDER BY created_at %s, id %s LIMIT %d OFFSET %d`,
		where, order, order, limit, offset)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return model.ListResult{}, fmt.Errorf("decisionstore: list: %w", err)
	}
	defer rows.Close()

	items := make([]model.Decision, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return model.ListResult{}, fmt.Errorf("decisionstore: scan list row: %w", err)
		}
		var d model.Decision
		if err := json.Unmarshal(body, &d); err != nil {
			return model.ListResult{}, fmt.Errorf("decisionstore: unmarshal list row: %w", err)
		}
		items = append(items, d)
	}
	return model.ListResult{Items: items, TotalMatching: total}, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context, window model.StatsWindow, filters model.DecisionFilters) (model.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := buildWhere(filters)
	if window.Since != nil {
		args = append(args, *window.Since)
		if where == "" {
			where = fmt.Sprintf(" WHERE created_at >= $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND created_at >= $%d", len(args))
		}
	}

	out := model.Stats{ByCategory: map[string]int{}, ByStakes: map[string]int{}, ByStatus: map[string]int{}, ByAgent: map[string]int{}, ByDay: map[string]int{}}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT category, stakes, status, agent_id, to_char(created_at, 'YYYY-MM-DD'), tags, created_at FROM decisions%s`, where), args...)
	if err != nil {
		return out, fmt.Errorf("decisionstore: stats: %w", err)
	}
	defer rows.Close()

	tagCounts := map[string]int{}
	now := time.Now().UTC()
	for rows.Next() {
		var category, stakes, status, agent, day string
		var tags []string
		var createdAt time.Time
		if err := rows.Scan(&category, &stakes, &status, &agent, &day, &tags, &createdAt); err != nil {
			return out, fmt.Errorf("decisionstore: scan stats row: %w", err)
		}
		out.ByCategory[category]++
		out.ByStakes[stakes]++
		out.ByStatus[status]++
		out.ByAgent[agent]++
		out.ByDay[day]++
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

func (p *Postgres) UpdateOutcome(ctx context.Context, id string, outcome model.OutcomeKind, result string, lessons *string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	d, err := p.Get(ctx, id)
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
	tag, err := p.pool.Exec(ctx, `UPDATE decisions SET status = $1, updated_at = $2, body = $3 WHERE id = $4`,
		d.Status(), now, body, id)
	if err != nil {
		return fmt.Errorf("decisionstore: update outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decisionstore: %s: %w", id, storeerr.ErrNotFound)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context, filters model.DecisionFilters) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args := buildWhere(filters)
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("decisionstore: count: %w", err)
	}
	return n, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// buildWhere turns the column-backed subset of DecisionFilters into a SQL
// WHERE clause. Tags and Search are applied against the tags[]/search_text
// columns directly since both are materialized at write time.
func buildWhere(f model.DecisionFilters) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Category != nil {
		add("category = $%d", *f.Category)
	}
	if f.MinConfidence != nil {
		add("confidence >= $%d", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		add("confidence <= $%d", *f.MaxConfidence)
	}
	if len(f.Stakes) > 0 {
		stakes := make([]string, len(f.Stakes))
		for i, s := range f.Stakes {
			stakes[i] = string(s)
		}
		add("stakes = ANY($%d)", stakes)
	}
	if len(f.Status) > 0 {
		add("status = ANY($%d)", f.Status)
	}
	if f.Agent != nil {
		add("agent_id = $%d", *f.Agent)
	}
	if f.Project != nil {
		add("project = $%d", *f.Project)
	}
	if f.Feature != nil {
		add("feature = $%d", *f.Feature)
	}
	if f.PR != nil {
		add("pr = $%d", *f.PR)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if f.DateRange != nil {
		if f.DateRange.After != nil {
			add("created_at >= $%d", *f.DateRange.After)
		}
		if f.DateRange.Before != nil {
			add("created_at <= $%d", *f.DateRange.Before)
		}
	}
	if f.Search != nil && *f.Search != "" {
		add("search_text LIKE $%d", "%"+strings.ToLower(*f.Search)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
