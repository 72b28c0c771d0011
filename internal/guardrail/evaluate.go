package guardrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

// Checker evaluates an ActionContext against the loaded rule table.
// Extended evaluators (semantic, temporal, aggregate) need access to the
// decision corpus and embedding pipeline; Basic rules (simple, compound)
// never do, so those dependencies are optional and only dereferenced when a
// rule actually needs them.
type Checker struct {
	engine *Engine
	store  decisionstore.Store
	vec    vectorstore.Store
	embed  embedding.Provider
}

// NewChecker returns a Checker. store/vec/embed may be nil if the deployment
// has no extended (semantic/temporal/aggregate) rules configured; a loaded
// rule condition that needs a nil dependency evaluates as not matched.
func NewChecker(engine *Engine, store decisionstore.Store, vec vectorstore.Store, embed embedding.Provider) *Checker {
	return &Checker{engine: engine, store: store, vec: vec, embed: embed}
}

// List returns the currently loaded rule table, for listGuardrails and
// getSessionContext's "active guardrails" bundle.
func (c *Checker) List() []model.Guardrail {
	return c.engine.List()
}

// Check evaluates every loaded rule against ctx in deterministic id order
// and returns the aggregate result, per §4.C.
func (c *Checker) Check(ctx context.Context, action model.ActionContext) model.GuardrailCheckResult {
	rules := c.engine.List()
	result := model.GuardrailCheckResult{EvaluatedAt: time.Now()}

	for _, rule := range rules {
		if !inScope(rule, action) {
			continue
		}
		result.Evaluated++

		gr := c.evaluateRule(ctx, rule, action)
		if gr.Severity == model.SeverityWarn || gr.Severity == model.SeverityBlock {
			result.Violations = append(result.Violations, gr)
		}
	}

	result.Allowed = true
	for _, v := range result.Violations {
		if v.Severity == model.SeverityBlock {
			result.Allowed = false
			break
		}
	}
	return result
}

func inScope(rule model.Guardrail, action model.ActionContext) bool {
	if len(rule.Scope) == 0 {
		return true
	}
	project, ok := action.Field("project")
	if !ok {
		return false
	}
	projectStr, _ := project.(string)
	for _, s := range rule.Scope {
		if s == projectStr {
			return true
		}
	}
	return false
}

func (c *Checker) evaluateRule(ctx context.Context, rule model.Guardrail, action model.ActionContext) model.GuardrailResult {
	matched := true
	for _, cond := range rule.Conditions {
		if !c.evaluateCondition(ctx, cond, action) {
			matched = false
			break
		}
	}

	if !matched {
		return model.GuardrailResult{GuardrailID: rule.ID, Matched: false, Passed: true, Severity: model.SeverityPass}
	}

	passed := c.evaluateRequirements(action, rule.Requirements)
	if passed {
		return model.GuardrailResult{GuardrailID: rule.ID, Matched: true, Passed: true, Severity: model.SeverityPass}
	}

	severity := model.SeverityWarn
	if rule.Action == model.ActionBlock {
		severity = model.SeverityBlock
	}
	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("guardrail %s: requirements not met", rule.ID)
	}
	return model.GuardrailResult{GuardrailID: rule.ID, Matched: true, Passed: false, Severity: severity, Message: msg}
}

// evaluateRequirements reports whether every named requirement field is
// present and truthy on action, per §4.C "a requirement fails if the named
// field is missing or false".
func (c *Checker) evaluateRequirements(action model.ActionContext, requirements []string) bool {
	for _, req := range requirements {
		v, ok := action.Field(req)
		if !ok {
			return false
		}
		if b, isBool := v.(bool); isBool && !b {
			return false
		}
	}
	return true
}

func (c *Checker) evaluateCondition(ctx context.Context, cond model.Condition, action model.ActionContext) bool {
	switch cond.Kind {
	case model.ConditionSimple:
		return evaluateSimple(cond, action)
	case model.ConditionCompound:
		return c.evaluateCompound(ctx, cond, action)
	case model.ConditionSemantic:
		return c.evaluateSemantic(ctx, cond, action)
	case model.ConditionTemporal:
		return c.evaluateTemporal(ctx, cond, action)
	case model.ConditionAggregate:
		return c.evaluateAggregate(ctx, cond, action)
	default:
		return false
	}
}

func (c *Checker) evaluateCompound(ctx context.Context, cond model.Condition, action model.ActionContext) bool {
	if cond.BoolOp == model.BoolOr {
		for _, child := range cond.Children {
			if c.evaluateCondition(ctx, child, action) {
				return true
			}
		}
		return len(cond.Children) == 0
	}
	for _, child := range cond.Children {
		if !c.evaluateCondition(ctx, child, action) {
			return false
		}
	}
	return true
}

func evaluateSimple(cond model.Condition, action model.ActionContext) bool {
	v, ok := action.Field(cond.Field)
	if !ok {
		return false
	}
	return applyOperator(cond.Op, v, cond.Value)
}

func applyOperator(op model.Operator, actual, want any) bool {
	switch op {
	case model.OpEq:
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", want)
	case model.OpNeq:
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", want)
	case model.OpLt, model.OpGt, model.OpLte, model.OpGte:
		af, bf, ok := compareNumeric(actual, want)
		if !ok {
			return false
		}
		switch op {
		case model.OpLt:
			return af < bf
		case model.OpGt:
			return af > bf
		case model.OpLte:
			return af <= bf
		default:
			return af >= bf
		}
	case model.OpIn:
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", actual) {
				return true
			}
		}
		return false
	case model.OpContains:
		s, ok1 := actual.(string)
		sub, ok2 := want.(string)
		if !ok1 || !ok2 {
			return false
		}
		return strings.Contains(s, sub)
	default:
		return false
	}
}

// evaluateSemantic computes the action description's embedding similarity
// against past decisions restricted by RefCategory/RefProject, matching if
// similarity >= Threshold and any matched decision's outcome is failure.
func (c *Checker) evaluateSemantic(ctx context.Context, cond model.Condition, action model.ActionContext) bool {
	if c.embed == nil || c.vec == nil || c.store == nil {
		return false
	}
	vecs, err := c.embed.Embed(ctx, []string{action.Description})
	if err != nil || len(vecs) == 0 {
		return false
	}

	where := map[string]any{}
	if cond.RefCategory != nil {
		where["category"] = *cond.RefCategory
	}
	if cond.RefProject != nil {
		where["project"] = *cond.RefProject
	}

	matches, err := c.vec.Query(ctx, vecs[0], 10, where)
	if err != nil {
		return false
	}
	for _, m := range matches {
		if 1-m.Distance < cond.Threshold {
			continue
		}
		d, err := c.store.Get(ctx, m.ID)
		if err != nil {
			continue
		}
		if d.Outcome != nil && d.Outcome.Outcome == model.OutcomeFailure {
			return true
		}
	}
	return false
}

// evaluateTemporal matches if at least MinCount decisions meeting
// Field/Op/Value were recorded within the last Window.
func (c *Checker) evaluateTemporal(ctx context.Context, cond model.Condition, _ model.ActionContext) bool {
	if c.store == nil {
		return false
	}
	since := time.Now().Add(-cond.Window)
	items, err := decisionstore.ListAll(ctx, c.store,
		model.DecisionFilters{DateRange: &model.TimeRange{After: &since}}, model.SortDesc)
	if err != nil {
		return false
	}

	count := 0
	for _, d := range items {
		v, ok := fieldOnDecision(d, cond.Field)
		if ok && applyOperator(cond.Op, v, cond.Value) {
			count++
		}
	}
	return count >= cond.MinCount
}

// evaluateAggregate matches if the named statistic over decisions crosses
// Threshold via Op (commonly "<", e.g. success rate below a floor).
func (c *Checker) evaluateAggregate(ctx context.Context, cond model.Condition, action model.ActionContext) bool {
	if c.store == nil {
		return false
	}
	var category *string
	if cat, ok := action.Field("category"); ok {
		if s, ok := cat.(string); ok {
			category = &s
		}
	}
	items, err := decisionstore.ListAll(ctx, c.store,
		model.DecisionFilters{Category: category, HasOutcome: boolPtr(true)}, model.SortDesc)
	if err != nil || len(items) == 0 {
		return false
	}

	stat, ok := computeStatistic(cond.Statistic, items)
	if !ok {
		return false
	}
	return applyOperator(cond.Op, stat, cond.Value)
}

func computeStatistic(name string, decisions []model.Decision) (float64, bool) {
	switch name {
	case "success_rate":
		var successes int
		for _, d := range decisions {
			if d.Outcome != nil && d.Outcome.Outcome == model.OutcomeSuccess {
				successes++
			}
		}
		return float64(successes) / float64(len(decisions)), true
	case "mean_confidence":
		var sum float64
		for _, d := range decisions {
			sum += d.Confidence
		}
		return sum / float64(len(decisions)), true
	default:
		return 0, false
	}
}

func fieldOnDecision(d model.Decision, field string) (any, bool) {
	switch field {
	case "category":
		return d.Category, true
	case "stakes":
		return string(d.Stakes), true
	case "confidence":
		return d.Confidence, true
	case "agent_id":
		return d.AgentID, true
	default:
		return nil, false
	}
}

func boolPtr(b bool) *bool { return &b }
