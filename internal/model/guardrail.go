package model

import "time"

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpLt       Operator = "<"
	OpGt       Operator = ">"
	OpLte      Operator = "<="
	OpGte      Operator = ">="
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// ConditionKind discriminates the condition node variants a guardrail rule
// can be built from. Compound nodes recurse; the rest are leaves.
type ConditionKind string

const (
	ConditionSimple    ConditionKind = "simple"
	ConditionSemantic  ConditionKind = "semantic"
	ConditionTemporal  ConditionKind = "temporal"
	ConditionAggregate ConditionKind = "aggregate"
	ConditionCompound  ConditionKind = "compound"
)

// BoolOp is the combinator for a compound condition's children.
type BoolOp string

const (
	BoolAnd BoolOp = "AND"
	BoolOr  BoolOp = "OR"
)

// Condition is one node of a guardrail's condition tree. Exactly one of the
// kind-specific payloads is populated, selected by Kind.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// ConditionSimple: test Field against Value using Op.
	Field string      `json:"field,omitempty"`
	Op    Operator    `json:"op,omitempty"`
	Value any         `json:"value,omitempty"`

	// ConditionSemantic: action text similarity to a reference set of past
	// decisions (restricted by RefCategory/RefProject) must be >= Threshold,
	// AND at least one matched reference decision must have Outcome == failure.
	RefCategory *string `json:"ref_category,omitempty"`
	RefProject  *string `json:"ref_project,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`

	// ConditionTemporal: matches if at least MinCount decisions meeting
	// Field/Op/Value were recorded within the last Window.
	Window   time.Duration `json:"window,omitempty"`
	MinCount int           `json:"min_count,omitempty"`

	// ConditionAggregate: matches if the named Statistic over decisions in
	// Category crosses Threshold via Op ("<" most commonly, e.g. success
	// rate < x).
	Statistic string `json:"statistic,omitempty"`

	// ConditionCompound: recursively combine Children via BoolOp.
	BoolOp   BoolOp      `json:"bool_op,omitempty"`
	Children []Condition `json:"children,omitempty"`
}

// GuardrailAction is what happens when a rule's conditions match but its
// requirements fail.
type GuardrailAction string

const (
	ActionBlock GuardrailAction = "block"
	ActionWarn  GuardrailAction = "warn"
)

// Guardrail is one policy rule loaded from a guardrail definition file.
type Guardrail struct {
	ID           string          `json:"id"`
	Description  string          `json:"description"`
	Scope        []string        `json:"scope,omitempty"` // project identifiers; empty = global
	Conditions   []Condition     `json:"conditions,omitempty"`
	Requirements []string        `json:"requirements,omitempty"`
	Action       GuardrailAction `json:"action"`
	Message      string          `json:"message"`
}

// Severity is the outcome of evaluating one guardrail against a context.
type Severity string

const (
	SeverityPass  Severity = "pass"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// GuardrailResult is the per-rule outcome of a guardrail evaluation.
type GuardrailResult struct {
	GuardrailID string   `json:"guardrail_id"`
	Matched     bool     `json:"matched"`
	Passed      bool     `json:"passed"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Suggestion  *string  `json:"suggestion,omitempty"`
}

// ActionContext is the input to a guardrail check: a proposed action.
type ActionContext struct {
	Description string         `json:"description"`
	Category    string         `json:"category,omitempty"`
	Stakes      Stakes         `json:"stakes,omitempty"` // defaults to medium
	Confidence  *float64       `json:"confidence,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Field looks up a condition field: first the reserved first-class
// attributes, then the free-form Context map. Returns (value, true) or
// (nil, false) when the field is missing entirely.
func (a ActionContext) Field(name string) (any, bool) {
	switch name {
	case "description":
		return a.Description, true
	case "category":
		if a.Category == "" {
			return nil, false
		}
		return a.Category, true
	case "stakes":
		if a.Stakes == "" {
			return nil, false
		}
		return string(a.Stakes), true
	case "confidence":
		if a.Confidence == nil {
			return nil, false
		}
		return *a.Confidence, true
	}
	if a.Context == nil {
		return nil, false
	}
	v, ok := a.Context[name]
	return v, ok
}

// GuardrailCheckResult is the aggregate response of checking all loaded
// guardrails against one ActionContext.
type GuardrailCheckResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []GuardrailResult `json:"violations"`
	Evaluated   int               `json:"evaluated"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}
