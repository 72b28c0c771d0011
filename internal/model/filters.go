package model

import "time"

// TimeRange bounds a date_after/date_before filter.
type TimeRange struct {
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// DecisionFilters is the backend-independent filter set accepted by
// DecisionStore.List, the BM25 index, and the query service. Query-service
// fields (MinConfidence, MaxConfidence, Stakes, Status) are a strict
// superset of what DecisionStore.List needs; stores ignore fields they don't
// support filtering on directly and the query service applies the rest
// in-process.
type DecisionFilters struct {
	Category      *string    `json:"category,omitempty"`
	MinConfidence *float64   `json:"min_confidence,omitempty"`
	MaxConfidence *float64   `json:"max_confidence,omitempty"`
	Stakes        []Stakes   `json:"stakes,omitempty"`
	Status        []string   `json:"status,omitempty"` // pending | reviewed
	Agent         *string    `json:"agent,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Project       *string    `json:"project,omitempty"`
	Feature       *string    `json:"feature,omitempty"`
	PR            *int       `json:"pr,omitempty"`
	HasOutcome    *bool      `json:"has_outcome,omitempty"`
	DateRange     *TimeRange `json:"date_range,omitempty"`
	Search        *string    `json:"search,omitempty"` // free-text, store-native substring search
}

// SortDir is the direction for DecisionStore.List's single required sort key.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// ListQuery is the full input to DecisionStore.List: pagination, filters and
// sort. Deterministic given fixed fields — repeated calls with the same
// ListQuery against an unchanged store return the same page.
//
// Limit is a pointer so "omitted" (defaults to each backend's page cap, 50)
// is distinguishable from an explicit 0, which returns empty results rather
// than an error or the default page, per §8's limit=0 boundary rule.
type ListQuery struct {
	Filters DecisionFilters `json:"filters"`
	SortDir SortDir         `json:"sort_dir"` // by created_at; asc or desc
	Offset  int             `json:"offset"`
	Limit   *int            `json:"limit,omitempty"`
}

// ListResult is DecisionStore.List's return value.
type ListResult struct {
	Items        []Decision `json:"items"`
	TotalMatching int       `json:"total_matching"`
}

// StatsWindow bounds the activity counters returned by DecisionStore.Stats.
type StatsWindow struct {
	Since *time.Time `json:"since,omitempty"`
}

// Stats is the aggregate breakdown returned by DecisionStore.Stats.
type Stats struct {
	ByCategory map[string]int `json:"by_category"`
	ByStakes   map[string]int `json:"by_stakes"`
	ByStatus   map[string]int `json:"by_status"`
	ByAgent    map[string]int `json:"by_agent"`
	ByDay      map[string]int `json:"by_day"` // YYYY-MM-DD -> count
	TopTags    []TagCount     `json:"top_tags"`
	Last24h    int            `json:"last_24h"`
	Last7d     int            `json:"last_7d"`
	Last30d    int            `json:"last_30d"`
}

// TagCount is one entry of DecisionStore.Stats' top-tags ranking.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}
