package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/model"
)

type checkGuardrailsParams struct {
	Action model.ActionContext `json:"action"`
}

func handleCheckGuardrails(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p checkGuardrailsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed checkGuardrails params", err, true)
	}
	if p.Action.Description == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "action.description is required")
	}
	if d.services.Guardrails == nil {
		return nil, cstperr.New(cstperr.KindGuardrailEval, "no guardrail engine configured")
	}
	result := d.services.Guardrails.Check(ctx, p.Action)
	d.fireGuardrailViolations(result, p.Action, agentID)
	if !result.Allowed {
		d.metrics.RecordGuardrailBlock(ctx, p.Action.Category)
	}
	return result, nil
}

func handleListGuardrails(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	if d.services.Guardrails == nil {
		return map[string]any{"guardrails": []model.Guardrail{}}, nil
	}
	return map[string]any{"guardrails": d.services.Guardrails.List()}, nil
}
