package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/preaction"
)

type preActionParams struct {
	Action  model.ActionContext  `json:"action"`
	Options preActionOptions     `json:"options"`
	Record  recordDecisionParams `json:"record"`
}

type preActionOptions struct {
	QueryLimit      int  `json:"query_limit"`
	AutoRecord      bool `json:"auto_record"`
	IncludePatterns bool `json:"include_patterns"`
}

func handlePreAction(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p preActionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed preAction params", err, true)
	}
	if p.Action.Description == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "action.description is required")
	}

	req := preaction.Request{
		Action: p.Action,
		Options: preaction.Options{
			QueryLimit: p.Options.QueryLimit, AutoRecord: p.Options.AutoRecord, IncludePatterns: p.Options.IncludePatterns,
		},
	}
	if p.Options.AutoRecord {
		req.Record = p.Record.toInput(agentID)
	}

	result, err := d.services.PreAction.PreAction(ctx, req)
	if err != nil {
		if errors.Is(err, decisions.ErrValidation) {
			return nil, cstperr.Wrap(cstperr.KindInvalidParams, err.Error(), err, true)
		}
		return nil, cstperr.Wrap(cstperr.KindRecordFailed, "preAction failed", err, false)
	}
	return result, nil
}

type getSessionContextParams struct {
	AgentID string  `json:"agent_id"`
	Project *string `json:"project"`
	Limit   int     `json:"limit"`
}

func handleGetSessionContext(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p getSessionContextParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed getSessionContext params", err, true)
	}
	target := agentID
	if p.AgentID != "" {
		target = p.AgentID
	}
	result, err := d.services.PreAction.GetSessionContext(ctx, preaction.SessionContextRequest{
		AgentID: target, Project: p.Project, Limit: p.Limit,
	})
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "getSessionContext failed", err, false)
	}
	return result, nil
}
