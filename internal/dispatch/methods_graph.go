package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/graphstore"
)

const maxGraphDepth = 3

type linkDecisionsParams struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

func handleLinkDecisions(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p linkDecisionsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed linkDecisions params", err, true)
	}
	if p.From == "" || p.To == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "from and to are required")
	}
	if p.Type == "" {
		p.Type = "relates_to"
	}
	weight := p.Weight
	if weight == 0 {
		weight = 1
	}
	if err := d.services.Graph.Link(ctx, graphstore.Edge{FromID: p.From, ToID: p.To, Type: p.Type, Weight: weight}); err != nil {
		return nil, cstperr.Wrap(cstperr.KindRecordFailed, "linkDecisions failed", err, false)
	}
	return map[string]any{"success": true}, nil
}

type getGraphParams struct {
	RootID string   `json:"root_id"`
	Depth  int      `json:"depth"`
	Types  []string `json:"types"`
}

func handleGetGraph(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p getGraphParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed getGraph params", err, true)
	}
	if p.RootID == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "root_id is required")
	}
	depth := p.Depth
	if depth <= 0 || depth > maxGraphDepth {
		depth = maxGraphDepth
	}
	result, err := d.services.Graph.Subgraph(ctx, p.RootID, depth, p.Types)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "getGraph failed", err, false)
	}
	return result, nil
}

type getNeighborsParams struct {
	ID    string   `json:"id"`
	Types []string `json:"types"`
}

func handleGetNeighbors(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p getNeighborsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed getNeighbors params", err, true)
	}
	if p.ID == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "id is required")
	}
	neighbors, err := d.services.Graph.Neighbors(ctx, p.ID, p.Types)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "getNeighbors failed", err, false)
	}
	return map[string]any{"neighbors": neighbors}, nil
}
