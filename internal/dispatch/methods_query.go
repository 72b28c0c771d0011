package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/query"
)

type queryDecisionsParams struct {
	Query string `json:"query"`
	// Limit is a pointer so an absent field (default) is distinguishable
	// from an explicit 0 (empty results, per §8).
	Limit          *int                  `json:"limit"`
	IncludeReasons bool                  `json:"include_reasons"`
	RetrievalMode  string                `json:"retrieval_mode"`
	HybridWeight   float64               `json:"hybrid_weight"`
	BridgeSide     string                `json:"bridge_side"`
	Filters        model.DecisionFilters `json:"filters"`
	SessionKey     string                `json:"session_key"`
}

func handleQueryDecisions(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p queryDecisionsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed queryDecisions params", err, true)
	}
	if p.Query == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "query is required")
	}

	req := query.Request{
		Query: p.Query, Limit: p.Limit, IncludeReasons: p.IncludeReasons,
		RetrievalMode: query.Mode(p.RetrievalMode), HybridWeight: p.HybridWeight,
		BridgeSide: query.BridgeSide(p.BridgeSide), Filters: p.Filters,
		AgentID: agentID, SessionKey: p.SessionKey,
	}
	result, err := d.services.Query.Query(ctx, req)
	if err != nil {
		if errors.Is(err, query.ErrInvalidParams) {
			return nil, cstperr.Wrap(cstperr.KindInvalidParams, err.Error(), err, true)
		}
		return nil, cstperr.Wrap(cstperr.KindQueryFailed, "query pipeline failed", err, false)
	}
	return result, nil
}
