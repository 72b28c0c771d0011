package decisionstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
)

// Memory is an in-memory, reference DecisionStore. Safe for concurrent use.
// Used by tests and by single-process deployments that don't need durability
// across restarts.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]model.Decision
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]model.Decision)}
}

func (m *Memory) Save(_ context.Context, d model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, found := m.byID[d.ID]
	if found {
		if existing.Outcome != nil {
			// Immutable once reviewed, except Outcome.Lessons.
			lessons := d.Outcome.Lessons
			d = existing
			d.Outcome.Lessons = lessons
		}
		d.CreatedAt = existing.CreatedAt
		d.UpdatedAt = &now
	} else {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
	}
	m.byID[d.ID] = d
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return model.Decision{}, fmt.Errorf("decisionstore: %s: %w", id, storeerr.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *Memory) List(_ context.Context, q model.ListQuery) (model.ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]model.Decision, 0, len(m.byID))
	for _, d := range m.byID {
		if matchesFilters(d, q.Filters) {
			matched = append(matched, d)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if q.SortDir == model.SortAsc {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	// Stable tiebreak on id so pagination is deterministic when timestamps collide.
	stableBreakTies(matched, q.SortDir)

	total := len(matched)
	limit, empty := resolveLimit(q.Limit)
	if empty {
		return model.ListResult{Items: []model.Decision{}, TotalMatching: total}, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]model.Decision, end-offset)
	for i, d := range matched[offset:end] {
		page[i] = d.Clone()
	}

	return model.ListResult{Items: page, TotalMatching: total}, nil
}

// stableBreakTies re-sorts equal-CreatedAt runs by id ascending, so List is
// deterministic even when many decisions share a timestamp (e.g. in tests).
func stableBreakTies(ds []model.Decision, dir model.SortDir) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		if dir == model.SortAsc {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}

func (m *Memory) Stats(_ context.Context, window model.StatsWindow, filters model.DecisionFilters) (model.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := model.Stats{
		ByCategory: map[string]int{},
		ByStakes:   map[string]int{},
		ByStatus:   map[string]int{},
		ByAgent:    map[string]int{},
		ByDay:      map[string]int{},
	}
	tagCounts := map[string]int{}
	now := time.Now().UTC()

	for _, d := range m.byID {
		if !matchesFilters(d, filters) {
			continue
		}
		if window.Since != nil && d.CreatedAt.Before(*window.Since) {
			continue
		}
		out.ByCategory[d.Category]++
		out.ByStakes[string(d.Stakes)]++
		out.ByStatus[d.Status()]++
		out.ByAgent[d.AgentID]++
		out.ByDay[d.CreatedAt.Format("2006-01-02")]++
		for _, t := range d.Tags {
			tagCounts[t]++
		}
		age := now.Sub(d.CreatedAt)
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
	return out, nil
}

func topTags(counts map[string]int, n int) []model.TagCount {
	tags := make([]model.TagCount, 0, len(counts))
	for t, c := range counts {
		tags = append(tags, model.TagCount{Tag: t, Count: c})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

func (m *Memory) UpdateOutcome(_ context.Context, id string, outcome model.OutcomeKind, result string, lessons *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("decisionstore: %s: %w", id, storeerr.ErrNotFound)
	}
	if d.Outcome != nil {
		return fmt.Errorf("decisionstore: %s already reviewed: %w", id, storeerr.ErrConflict)
	}
	now := time.Now().UTC()
	d.Outcome = &model.Outcome{
		Outcome:      outcome,
		ActualResult: result,
		Lessons:      lessons,
		ReviewedAt:   now,
	}
	d.UpdatedAt = &now
	m.byID[id] = d
	return nil
}

func (m *Memory) Count(_ context.Context, filters model.DecisionFilters) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.byID {
		if matchesFilters(d, filters) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

func matchesFilters(d model.Decision, f model.DecisionFilters) bool {
	if f.Category != nil && d.Category != *f.Category {
		return false
	}
	if f.MinConfidence != nil && d.Confidence < *f.MinConfidence {
		return false
	}
	if f.MaxConfidence != nil && d.Confidence > *f.MaxConfidence {
		return false
	}
	if len(f.Stakes) > 0 && !containsStakes(f.Stakes, d.Stakes) {
		return false
	}
	if len(f.Status) > 0 && !containsStr(f.Status, d.Status()) {
		return false
	}
	if f.Agent != nil && d.AgentID != *f.Agent {
		return false
	}
	if f.Project != nil && d.Project != *f.Project {
		return false
	}
	if f.Feature != nil && d.Feature != *f.Feature {
		return false
	}
	if f.PR != nil && d.PR != *f.PR {
		return false
	}
	if f.HasOutcome != nil && (d.Outcome != nil) != *f.HasOutcome {
		return false
	}
	if len(f.Tags) > 0 && !containsAllTags(d.Tags, f.Tags) {
		return false
	}
	if f.DateRange != nil {
		if f.DateRange.After != nil && d.CreatedAt.Before(*f.DateRange.After) {
			return false
		}
		if f.DateRange.Before != nil && d.CreatedAt.After(*f.DateRange.Before) {
			return false
		}
	}
	if f.Search != nil && *f.Search != "" {
		if !strings.Contains(strings.ToLower(d.SearchableText()), strings.ToLower(*f.Search)) {
			return false
		}
	}
	return true
}

func containsStakes(list []model.Stakes, s model.Stakes) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
