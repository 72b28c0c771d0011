package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
)

type recordDecisionParams struct {
	Decision     string                    `json:"decision"`
	Context      string                    `json:"context"`
	Category     string                    `json:"category"`
	Stakes       string                    `json:"stakes"`
	Confidence   float64                   `json:"confidence"`
	Project      string                    `json:"project"`
	Feature      string                    `json:"feature"`
	PR           int                       `json:"pr"`
	File         *string                   `json:"file"`
	Line         *int                      `json:"line"`
	Commit       *string                   `json:"commit"`
	Reasons      []model.Reason            `json:"reasons"`
	Tags         []string                  `json:"tags"`
	Pattern      *string                   `json:"pattern"`
	Bridge       *model.Bridge             `json:"bridge"`
	Deliberation *model.DeliberationTrace  `json:"deliberation"`
	RelatedTo    []model.RelatedDecision   `json:"related_to"`
	ReviewBy     *time.Time                `json:"review_by"`
	SessionKey   string                    `json:"session_key"`
	IdempotencyKey *string                 `json:"idempotency_key"`
}

func (p recordDecisionParams) toInput(agentID string) decisions.RecordInput {
	return decisions.RecordInput{
		Decision: p.Decision, Context: p.Context, Category: p.Category,
		Stakes: model.Stakes(p.Stakes), Confidence: p.Confidence, AgentID: agentID,
		Project: p.Project, Feature: p.Feature, PR: p.PR, File: p.File, Line: p.Line, Commit: p.Commit,
		Reasons: p.Reasons, Tags: p.Tags, Pattern: p.Pattern, Bridge: p.Bridge,
		Deliberation: p.Deliberation, RelatedTo: p.RelatedTo, ReviewBy: p.ReviewBy,
		SessionKey: p.SessionKey, IdempotencyKey: p.IdempotencyKey,
	}
}

func handleRecordDecision(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p recordDecisionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed recordDecision params", err, true)
	}
	result, err := d.services.Decisions.Record(ctx, p.toInput(agentID))
	if err != nil {
		if errors.Is(err, decisions.ErrValidation) {
			return nil, cstperr.Wrap(cstperr.KindInvalidParams, err.Error(), err, true)
		}
		return nil, cstperr.Wrap(cstperr.KindRecordFailed, "recordDecision failed", err, false)
	}
	if result.Success {
		d.fireDecisionRecorded(result.ID)
	} else {
		d.metrics.RecordGuardrailBlock(ctx, p.Category)
	}
	return result, nil
}

type updateDecisionParams struct {
	ID           string         `json:"id"`
	DecisionText *string        `json:"decision"`
	Context      *string        `json:"context"`
	Pattern      *string        `json:"pattern"`
	Tags         []string       `json:"tags"`
	Bridge       *model.Bridge  `json:"bridge"`
	Reasons      []model.Reason `json:"reasons"`
}

func handleUpdateDecision(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p updateDecisionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed updateDecision params", err, true)
	}
	if p.ID == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "id is required")
	}
	in := decisions.UpdateInput{
		ID: p.ID, AgentID: agentID, DecisionText: p.DecisionText, Context: p.Context,
		Pattern: p.Pattern, Tags: p.Tags, Bridge: p.Bridge, Reasons: p.Reasons,
	}
	updated, err := d.services.Decisions.Update(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, storeerr.ErrNotFound):
			return nil, cstperr.New(cstperr.KindDecisionNotFound, "decision not found")
		case errors.Is(err, decisions.ErrForbidden):
			return nil, cstperr.Wrap(cstperr.KindInvalidParams, "not the recording agent", err, true)
		case errors.Is(err, decisions.ErrAlreadyReviewed):
			return nil, cstperr.Wrap(cstperr.KindRecordFailed, "decision already reviewed", err, true)
		case errors.Is(err, decisions.ErrValidation):
			return nil, cstperr.Wrap(cstperr.KindInvalidParams, err.Error(), err, true)
		default:
			return nil, cstperr.Wrap(cstperr.KindRecordFailed, "updateDecision failed", err, false)
		}
	}
	return updated, nil
}

type reviewDecisionParams struct {
	ID           string  `json:"id"`
	Outcome      string  `json:"outcome"`
	ActualResult string  `json:"actual_result"`
	Lessons      *string `json:"lessons"`
}

func handleReviewDecision(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p reviewDecisionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed reviewDecision params", err, true)
	}
	if p.ID == "" || p.Outcome == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "id and outcome are required")
	}
	in := decisions.ReviewInput{ID: p.ID, Outcome: model.OutcomeKind(p.Outcome), ActualResult: p.ActualResult, Lessons: p.Lessons}
	if err := d.services.Decisions.Review(ctx, in); err != nil {
		if errors.Is(err, decisions.ErrAlreadyReviewed) || errors.Is(err, storeerr.ErrNotFound) {
			return nil, cstperr.Wrap(cstperr.KindReviewFailed, "review rejected", err, true)
		}
		return nil, cstperr.Wrap(cstperr.KindReviewFailed, "reviewDecision failed", err, false)
	}
	d.fireDecisionReviewed(p.ID, model.OutcomeKind(p.Outcome))
	return map[string]any{"success": true, "id": p.ID}, nil
}

type getDecisionParams struct {
	ID string `json:"id"`
}

func handleGetDecision(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p getDecisionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed getDecision params", err, true)
	}
	if p.ID == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "id is required")
	}
	result, err := d.services.Decisions.Get(ctx, p.ID)
	if err != nil {
		if errors.Is(err, storeerr.ErrNotFound) {
			return nil, cstperr.New(cstperr.KindDecisionNotFound, "decision not found")
		}
		return nil, cstperr.Wrap(cstperr.KindInternal, "getDecision failed", err, false)
	}
	return result, nil
}
