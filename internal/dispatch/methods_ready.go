package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/ready"
)

type readyParams struct {
	MinPriority string   `json:"min_priority"`
	ActionTypes []string `json:"action_types"`
	Category    *string  `json:"category"`
	Limit       int      `json:"limit"`
}

func handleReady(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p readyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed ready params", err, true)
	}
	types := make([]model.ReadyActionType, len(p.ActionTypes))
	for i, t := range p.ActionTypes {
		types[i] = model.ReadyActionType(t)
	}
	result, err := d.services.Ready.List(ctx, ready.Filters{
		MinPriority: model.Priority(p.MinPriority), ActionTypes: types, Category: p.Category, Limit: p.Limit,
	})
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "ready failed", err, false)
	}
	return result, nil
}
