// Package ready implements the work-discovery queue: review_outcome,
// calibration_drift and stale_pending actions (spec §4.I).
package ready

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/model"
)

const (
	stalePendingMediumAge = 30 * 24 * time.Hour
	stalePendingHighAge   = 60 * 24 * time.Hour
	driftHighThreshold    = 0.40
	maxLimit              = 50
)

// Filters selects and bounds the returned actions, per §4.I.
type Filters struct {
	MinPriority model.Priority
	ActionTypes []model.ReadyActionType
	Category    *string
	Limit       int
}

// Service builds the ready queue from a DecisionStore and the calibration
// service's drift detection.
type Service struct {
	Store       decisionstore.Store
	Calibration *calibration.Service
}

// New returns a ready Service.
func New(store decisionstore.Store, cal *calibration.Service) *Service {
	return &Service{Store: store, Calibration: cal}
}

// Result is the ready queue's output, per §4.I.
type Result struct {
	Actions  []model.ReadyAction `json:"actions"`
	Total    int                 `json:"total"`
	Filtered int                 `json:"filtered"`
	Warnings []string            `json:"warnings,omitempty"`
}

// List assembles all three action kinds, sorts, and truncates to Limit.
func (s *Service) List(ctx context.Context, f Filters) (Result, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	var warnings []string
	var all []model.ReadyAction

	reviewActions, err := s.reviewOutcomeActions(ctx, f.Category)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("review_outcome: %v", err))
	} else {
		all = append(all, reviewActions...)
	}

	driftActions, err := s.calibrationDriftActions(ctx, f.Category)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("calibration_drift: %v", err))
	} else {
		all = append(all, driftActions...)
	}

	staleActions, err := s.stalePendingActions(ctx, f.Category)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("stale_pending: %v", err))
	} else {
		all = append(all, staleActions...)
	}

	total := len(all)
	filtered := filterActions(all, f)
	sortActions(filtered)

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return Result{Actions: filtered, Total: total, Filtered: len(filtered), Warnings: warnings}, nil
}

func filterActions(actions []model.ReadyAction, f Filters) []model.ReadyAction {
	minRank := model.PriorityRank(f.MinPriority)
	out := make([]model.ReadyAction, 0, len(actions))
	for _, a := range actions {
		if model.PriorityRank(a.Priority) < minRank {
			continue
		}
		if len(f.ActionTypes) > 0 && !containsType(f.ActionTypes, a.Type) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func containsType(types []model.ReadyActionType, t model.ReadyActionType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func sortActions(actions []model.ReadyAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		pi, pj := model.PriorityRank(actions[i].Priority), model.PriorityRank(actions[j].Priority)
		if pi != pj {
			return pi > pj
		}
		ti, tj := model.ReadyTypeOrder(actions[i].Type), model.ReadyTypeOrder(actions[j].Type)
		if ti != tj {
			return ti < tj
		}
		di, dj := actions[i].Date, actions[j].Date
		if di == nil || dj == nil {
			return dj == nil && di != nil
		}
		return di.Before(*dj)
	})
}

func (s *Service) reviewOutcomeActions(ctx context.Context, category *string) ([]model.ReadyAction, error) {
	noOutcome := false
	items, err := decisionstore.ListAll(ctx, s.Store,
		model.DecisionFilters{HasOutcome: &noOutcome, Category: category}, model.SortAsc)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	now := time.Now()
	var actions []model.ReadyAction
	for _, d := range items {
		if d.ReviewBy == nil || d.ReviewBy.After(now) {
			continue
		}
		id := d.ID
		date := *d.ReviewBy
		actions = append(actions, model.ReadyAction{
			Type: model.ReadyReviewOutcome, Priority: reviewPriority(d.Stakes),
			DecisionID: &id, Category: &d.Category, Date: &date,
			Reason:     "review_by date has passed with no outcome recorded",
			Suggestion: "call reviewDecision with the eventual outcome",
		})
	}
	return actions, nil
}

func reviewPriority(stakes model.Stakes) model.Priority {
	switch stakes {
	case model.StakesCritical, model.StakesHigh:
		return model.PriorityHigh
	case model.StakesMedium:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

func (s *Service) calibrationDriftActions(ctx context.Context, category *string) ([]model.ReadyAction, error) {
	if s.Calibration == nil {
		return nil, nil
	}
	categories, err := s.distinctCategories(ctx, category)
	if err != nil {
		return nil, err
	}
	var actions []model.ReadyAction
	for _, cat := range categories {
		cat := cat
		drift, err := s.Calibration.CheckDrift(ctx, calibration.DriftOptions{Category: &cat})
		if err != nil {
			return nil, fmt.Errorf("check drift for %s: %w", cat, err)
		}
		if !drift.DriftDetected {
			continue
		}
		priority := model.PriorityMedium
		maxDelta := 0.0
		for _, a := range drift.Alerts {
			if a.Delta > maxDelta {
				maxDelta = a.Delta
			}
		}
		if maxDelta > driftHighThreshold {
			priority = model.PriorityHigh
		}
		now := time.Now()
		actions = append(actions, model.ReadyAction{
			Type: model.ReadyCalibrationDrift, Priority: priority,
			Category: &cat, Date: &now,
			Reason:     "calibration drift detected between recent and historical windows",
			Suggestion: "review recent decisions in this category for confidence miscalibration",
			Detail:     map[string]any{"alerts": drift.Alerts},
		})
	}
	return actions, nil
}

func (s *Service) distinctCategories(ctx context.Context, category *string) ([]string, error) {
	if category != nil {
		return []string{*category}, nil
	}
	items, err := decisionstore.ListAll(ctx, s.Store, model.DecisionFilters{}, model.SortAsc)
	if err != nil {
		return nil, fmt.Errorf("list decisions for category scan: %w", err)
	}
	seen := make(map[string]bool)
	var cats []string
	for _, d := range items {
		if d.Category == "" || seen[d.Category] {
			continue
		}
		seen[d.Category] = true
		cats = append(cats, d.Category)
	}
	return cats, nil
}

func (s *Service) stalePendingActions(ctx context.Context, category *string) ([]model.ReadyAction, error) {
	noOutcome := false
	items, err := decisionstore.ListAll(ctx, s.Store,
		model.DecisionFilters{HasOutcome: &noOutcome, Category: category}, model.SortAsc)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	now := time.Now()
	var actions []model.ReadyAction
	for _, d := range items {
		if d.ReviewBy != nil {
			continue
		}
		age := now.Sub(d.CreatedAt)
		if age < stalePendingMediumAge {
			continue
		}
		priority := model.PriorityMedium
		if age >= stalePendingHighAge {
			priority = model.PriorityHigh
		}
		id := d.ID
		createdAt := d.CreatedAt
		actions = append(actions, model.ReadyAction{
			Type: model.ReadyStalePending, Priority: priority,
			DecisionID: &id, Category: &d.Category, Date: &createdAt,
			Reason:     fmt.Sprintf("pending %.0f days with no review_by set", age.Hours()/24),
			Suggestion: "set a review_by date or record the outcome directly",
		})
	}
	return actions, nil
}
