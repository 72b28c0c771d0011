// Package decisionstore defines the DecisionStore interface (§4.A) and its
// backends: an in-memory reference implementation for tests, and persistent
// Postgres (pgx) and SQLite (modernc.org/sqlite) implementations for
// production.
package decisionstore

import (
	"context"

	"github.com/cstp-run/blackbox/internal/model"
)

// Store is the narrow persistence interface every decision-service operation
// depends on. Implementations must be safe for concurrent use.
type Store interface {
	// Save is idempotent by id: created_at is preserved on re-save,
	// updated_at is bumped. Saving a decision whose Outcome is already set
	// rejects all field changes except Outcome.Lessons.
	Save(ctx context.Context, d model.Decision) error

	// Get returns storeerr.ErrNotFound if id is unknown.
	Get(ctx context.Context, id string) (model.Decision, error)

	// List applies pagination, the subset of DecisionFilters the backend
	// supports natively, and the single required sort (created_at asc/desc).
	// Deterministic under a fixed query against an unchanged store.
	List(ctx context.Context, q model.ListQuery) (model.ListResult, error)

	// Stats returns activity counters over window, restricted to filters.
	Stats(ctx context.Context, window model.StatsWindow, filters model.DecisionFilters) (model.Stats, error)

	// UpdateOutcome returns storeerr.ErrNotFound if id is unknown, or
	// storeerr.ErrConflict if the decision was already reviewed.
	UpdateOutcome(ctx context.Context, id string, outcome model.OutcomeKind, result string, lessons *string) error

	// Count returns the number of decisions matching filters.
	Count(ctx context.Context, filters model.DecisionFilters) (int, error)

	Close() error
}

// pageCap is the page size every backend's List applies when q.Limit is nil,
// negative, or above pageCap.
const pageCap = 50

// resolveLimit turns a ListQuery.Limit into the page size a backend's List
// should apply, plus whether the caller asked for literally zero results.
// nil means "omitted" (defaults to pageCap); an explicit 0 short-circuits to
// empty, per §8; anything else is clamped into [1, pageCap].
func resolveLimit(limit *int) (n int, empty bool) {
	if limit == nil {
		return pageCap, false
	}
	if *limit == 0 {
		return 0, true
	}
	if *limit < 0 || *limit > pageCap {
		return pageCap, false
	}
	return *limit, false
}

// ListAll collects every decision matching filters from store by paging
// through List in pageCap-sized windows until exhausted. Call sites that
// need the full matching corpus — not just one page — must use this instead
// of a single List call, which returns at most pageCap items.
func ListAll(ctx context.Context, store Store, filters model.DecisionFilters, sortDir model.SortDir) ([]model.Decision, error) {
	size := pageCap
	var out []model.Decision
	for offset := 0; ; offset += size {
		page, err := store.List(ctx, model.ListQuery{
			Filters: filters, SortDir: sortDir, Offset: offset, Limit: &size,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if len(page.Items) < size {
			return out, nil
		}
	}
}
