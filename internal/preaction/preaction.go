// Package preaction implements the pre-action composite check and session
// context bundle (spec §4.H), wiring the query, guardrail, calibration and
// decision services together.
package preaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/guardrail"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/query"
	"github.com/cstp-run/blackbox/internal/ready"
)

const defaultQueryLimit = 5

// Options configures a pre-action check, per §4.H.
type Options struct {
	QueryLimit      int
	AutoRecord      bool
	IncludePatterns bool
}

// Request bundles an action, its options, and — when AutoRecord is set —
// the full recordDecision input to use on success.
type Request struct {
	Action  model.ActionContext
	Options Options
	Record  decisions.RecordInput
}

// PatternSummary is a deduplicated, confirmation-counted pattern extracted
// from the retrieved decisions, per §4.H step 4.
type PatternSummary struct {
	Pattern          string `json:"pattern"`
	ConfirmationCount int   `json:"confirmation_count"`
}

// Result is preAction's output, per §4.H steps 5-7.
type Result struct {
	Allowed            bool                     `json:"allowed"`
	BlockReasons       []string                 `json:"block_reasons,omitempty"`
	RelevantDecisions  []query.Hit              `json:"relevant_decisions"`
	GuardrailResults   []model.GuardrailResult  `json:"guardrail_results,omitempty"`
	CalibrationContext calibration.Context      `json:"calibration_context"`
	PatternsSummary    []PatternSummary         `json:"patterns_summary,omitempty"`
	DecisionID         *string                  `json:"decision_id"`
	Quality            *model.Quality           `json:"quality,omitempty"`
}

// Service composes the query, guardrail, calibration and decision services
// behind the single preAction/getSessionContext entry points.
type Service struct {
	Query       *query.Service
	Guardrails  *guardrail.Checker
	Calibration *calibration.Service
	Decisions   *decisions.Service
	Ready       *ready.Service
}

// New returns a ready Service.
func New(q *query.Service, g *guardrail.Checker, cal *calibration.Service, dec *decisions.Service, rdy *ready.Service) *Service {
	return &Service{Query: q, Guardrails: g, Calibration: cal, Decisions: dec, Ready: rdy}
}

// PreAction runs the full composite flow, §4.H steps 1-7.
func (s *Service) PreAction(ctx context.Context, req Request) (Result, error) {
	limit := req.Options.QueryLimit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	queryResult, err := s.Query.Query(ctx, query.Request{Query: req.Action.Description, Limit: &limit})
	if err != nil {
		return Result{}, fmt.Errorf("preaction: query pipeline: %w", err)
	}

	check := s.Guardrails.Check(ctx, req.Action)

	calCtx, err := s.Calibration.CategoryContext(ctx, req.Action.Category)
	if err != nil {
		return Result{}, fmt.Errorf("preaction: calibration context: %w", err)
	}

	var patterns []PatternSummary
	if req.Options.IncludePatterns {
		patterns = patternSummaries(queryResult.Hits)
	}

	if !check.Allowed {
		var reasons []string
		for _, v := range check.Violations {
			if v.Severity == model.SeverityBlock {
				reasons = append(reasons, v.Message)
			}
		}
		return Result{
			Allowed: false, BlockReasons: reasons, RelevantDecisions: queryResult.Hits,
			GuardrailResults: check.Violations, CalibrationContext: calCtx, PatternsSummary: patterns,
		}, nil
	}

	if !req.Options.AutoRecord {
		return Result{
			Allowed: true, RelevantDecisions: queryResult.Hits, GuardrailResults: check.Violations,
			CalibrationContext: calCtx, PatternsSummary: patterns,
		}, nil
	}

	related := make([]model.RelatedDecision, 0, len(queryResult.Hits))
	for _, h := range queryResult.Hits {
		related = append(related, model.RelatedDecision{ID: h.Decision.ID, Distance: h.Distance})
	}
	recordIn := req.Record
	recordIn.RelatedTo = append(recordIn.RelatedTo, related...)

	recordResult, err := s.Decisions.Record(ctx, recordIn)
	if err != nil {
		return Result{}, fmt.Errorf("preaction: record decision: %w", err)
	}
	if !recordResult.Success {
		return Result{
			Allowed: false, BlockReasons: []string{"guardrail block during recordDecision"},
			RelevantDecisions: queryResult.Hits, GuardrailResults: recordResult.Violations,
			CalibrationContext: calCtx, PatternsSummary: patterns,
		}, nil
	}

	id := recordResult.ID
	return Result{
		Allowed: true, RelevantDecisions: queryResult.Hits, GuardrailResults: check.Violations,
		CalibrationContext: calCtx, PatternsSummary: patterns, DecisionID: &id, Quality: recordResult.Quality,
	}, nil
}

func patternSummaries(hits []query.Hit) []PatternSummary {
	counts := make(map[string]int)
	var order []string
	for _, h := range hits {
		if h.Decision.Pattern == nil || *h.Decision.Pattern == "" {
			continue
		}
		p := *h.Decision.Pattern
		if counts[p] == 0 {
			order = append(order, p)
		}
		counts[p]++
	}
	out := make([]PatternSummary, len(order))
	for i, p := range order {
		out[i] = PatternSummary{Pattern: p, ConfirmationCount: counts[p]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConfirmationCount > out[j].ConfirmationCount })
	return out
}

// SessionContextRequest is getSessionContext's input, per §4.H.
type SessionContextRequest struct {
	AgentID string
	Project *string
	Limit   int
}

// SessionContext is getSessionContext's output bundle, per §4.H.
type SessionContext struct {
	RecentDecisions []model.Decision          `json:"recent_decisions"`
	ActiveGuardrails []model.Guardrail        `json:"active_guardrails"`
	Calibration      []calibration.Context    `json:"calibration"`
	TopPatterns      []PatternSummary         `json:"top_patterns"`
	ReadyActions     []model.ReadyAction      `json:"ready_actions"`
}

// GetSessionContext returns a read-only bundle of recent activity, active
// guardrails, per-category calibration, top patterns, and the
// review/stale-only slice of the ready queue, per §4.H.
func (s *Service) GetSessionContext(ctx context.Context, req SessionContextRequest) (SessionContext, error) {
	limit := req.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	agent := req.AgentID
	filters := model.DecisionFilters{Agent: &agent, Project: req.Project}
	listResult, err := s.Decisions.Store.List(ctx, model.ListQuery{Filters: filters, SortDir: model.SortDesc, Limit: &limit})
	if err != nil {
		return SessionContext{}, fmt.Errorf("preaction: list recent decisions: %w", err)
	}

	categories := make(map[string]bool)
	for _, d := range listResult.Items {
		categories[d.Category] = true
	}
	var calContexts []calibration.Context
	for cat := range categories {
		c, err := s.Calibration.CategoryContext(ctx, cat)
		if err != nil {
			continue
		}
		calContexts = append(calContexts, c)
	}

	hits := make([]query.Hit, len(listResult.Items))
	for i, d := range listResult.Items {
		hits[i] = query.Hit{Decision: d}
	}

	readyResult, err := s.Ready.List(ctx, ready.Filters{
		ActionTypes: []model.ReadyActionType{model.ReadyReviewOutcome, model.ReadyStalePending},
		Limit:       limit,
	})
	if err != nil {
		return SessionContext{}, fmt.Errorf("preaction: ready queue: %w", err)
	}

	return SessionContext{
		RecentDecisions:  listResult.Items,
		ActiveGuardrails: s.Guardrails.List(),
		Calibration:      calContexts,
		TopPatterns:      patternSummaries(hits),
		ReadyActions:     readyResult.Actions,
	}, nil
}
