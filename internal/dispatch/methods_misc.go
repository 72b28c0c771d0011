package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/model"
)

// reasonStat is one reason type's aggregate across the matched corpus.
type reasonStat struct {
	Type         model.ReasonType `json:"type"`
	Count        int              `json:"count"`
	MeanStrength float64          `json:"mean_strength"`
}

type getReasonStatsParams struct {
	Category *string `json:"category"`
	Agent    *string `json:"agent"`
}

// handleGetReasonStats aggregates reason-type frequency and mean strength
// across decisions matching the given filters, surfacing which
// justification styles an agent or category leans on.
func handleGetReasonStats(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p getReasonStatsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed getReasonStats params", err, true)
	}
	items, err := decisionstore.ListAll(ctx, d.services.DecisionStore,
		model.DecisionFilters{Category: p.Category, Agent: p.Agent}, model.SortDesc)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "getReasonStats failed", err, false)
	}

	sums := make(map[model.ReasonType]float64)
	counts := make(map[model.ReasonType]int)
	var order []model.ReasonType
	totalReasons := 0
	for _, dec := range items {
		for _, r := range dec.Reasons {
			if counts[r.Type] == 0 {
				order = append(order, r.Type)
			}
			counts[r.Type]++
			sums[r.Type] += r.Strength
			totalReasons++
		}
	}

	stats := make([]reasonStat, len(order))
	for i, t := range order {
		stats[i] = reasonStat{Type: t, Count: counts[t], MeanStrength: sums[t] / float64(counts[t])}
	}

	return map[string]any{
		"by_type":        stats,
		"total_reasons":  totalReasons,
		"total_decisions": len(items),
	}, nil
}

type recordThoughtParams struct {
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
	Type       string `json:"type"`
	Source     string `json:"source"`
}

// handleRecordThought lets an agent append a free-standing reasoning step to
// its deliberation session without it being tied to a query or guardrail
// call, so it still surfaces in the trace attached to the next recordDecision.
func handleRecordThought(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p recordThoughtParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed recordThought params", err, true)
	}
	if p.SessionKey == "" || p.Text == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "session_key and text are required")
	}
	inputType := model.TrackedReasoning
	if p.Type != "" {
		inputType = model.TrackedInputType(p.Type)
	}
	source := p.Source
	if source == "" {
		source = "recordThought"
	}
	d.services.Tracker.Track(p.SessionKey, model.TrackedInput{
		ID: fmt.Sprintf("t-%s-%d", agentID, time.Now().UnixNano()),
		Type: inputType, Text: p.Text, Source: source, Timestamp: time.Now(),
	})
	return map[string]any{"tracked": true, "session_key": p.SessionKey}, nil
}

type debugTrackerParams struct {
	SessionKey string `json:"session_key"`
}

// handleDebugTracker exposes the raw tracked inputs for a session, for
// operators diagnosing why an expected deliberation trace didn't attach.
func handleDebugTracker(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p debugTrackerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed debugTracker params", err, true)
	}
	if p.SessionKey == "" {
		return nil, cstperr.New(cstperr.KindInvalidParams, "session_key is required")
	}
	inputs := d.services.Tracker.Peek(p.SessionKey)
	return map[string]any{"session_key": p.SessionKey, "inputs": inputs, "count": len(inputs)}, nil
}

type reindexParams struct {
	Category *string `json:"category"`
	Project  *string `json:"project"`
}

// handleReindex re-derives every matching decision's searchable text,
// re-embeds it, and re-upserts it into the vector store — the recovery path
// §5 promises for a recordDecision cancelled between persist and upsert.
func handleReindex(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p reindexParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed reindex params", err, true)
	}
	items, err := decisionstore.ListAll(ctx, d.services.DecisionStore,
		model.DecisionFilters{Category: p.Category, Project: p.Project}, model.SortDesc)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "reindex: list decisions", err, false)
	}

	reindexed, failed := 0, 0
	for _, dec := range items {
		vecs, err := d.services.Embed.Embed(ctx, []string{dec.SearchableText()})
		if err != nil || len(vecs) == 0 {
			failed++
			continue
		}
		meta := map[string]any{"category": dec.Category, "project": dec.Project}
		if err := d.services.Vector.Upsert(ctx, dec.ID, dec.SearchableText(), vecs[0], meta); err != nil {
			failed++
			continue
		}
		reindexed++
	}

	return map[string]any{"total": len(items), "reindexed": reindexed, "failed": failed}, nil
}

type attributionInput struct {
	ID           string  `json:"id"`
	Outcome      string  `json:"outcome"`
	ActualResult string  `json:"actual_result"`
	Lessons      *string `json:"lessons"`
}

type attributeOutcomesParams struct {
	Attributions []attributionInput `json:"attributions"`
}

// handleAttributeOutcomes applies a batch of caller-supplied outcome
// attributions, each via the same reviewDecision path, collecting
// per-id failures instead of aborting the whole batch.
func handleAttributeOutcomes(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p attributeOutcomesParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed attributeOutcomes params", err, true)
	}
	if len(p.Attributions) == 0 {
		return nil, cstperr.New(cstperr.KindInvalidParams, "attributions must be non-empty")
	}

	type failure struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	var succeeded []string
	var failures []failure

	for _, a := range p.Attributions {
		if a.ID == "" || a.Outcome == "" {
			failures = append(failures, failure{ID: a.ID, Error: "id and outcome are required"})
			continue
		}
		err := d.services.Decisions.Review(ctx, decisions.ReviewInput{
			ID: a.ID, Outcome: model.OutcomeKind(a.Outcome), ActualResult: a.ActualResult, Lessons: a.Lessons,
		})
		if err != nil {
			failures = append(failures, failure{ID: a.ID, Error: err.Error()})
			continue
		}
		d.fireDecisionReviewed(a.ID, model.OutcomeKind(a.Outcome))
		succeeded = append(succeeded, a.ID)
	}

	if len(succeeded) == 0 {
		return nil, cstperr.New(cstperr.KindAttributionFailed, "no attributions succeeded")
	}
	return map[string]any{"succeeded": succeeded, "failed": failures}, nil
}
