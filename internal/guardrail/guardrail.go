// Package guardrail loads policy rule files from a directory and evaluates
// an ActionContext against the loaded rule table (spec §4.C).
package guardrail

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cstp-run/blackbox/internal/model"
	"gopkg.in/yaml.v3"
)

// reloadTTL is the soft cache lifetime before Check triggers a background
// reload, per §4.C "Hot-reload".
const reloadTTL = 5 * time.Minute

// ruleFile is the on-disk YAML shape for one guardrail definition file,
// grounded on axonflow's YAMLConfigFileLoader pattern (plain struct +
// yaml.Unmarshal, no schema library).
type ruleFile struct {
	ID           string          `yaml:"id"`
	Description  string          `yaml:"description"`
	Scope        []string        `yaml:"scope,omitempty"`
	Conditions   []conditionFile `yaml:"conditions,omitempty"`
	Requirements []string        `yaml:"requirements,omitempty"`
	Action       string          `yaml:"action"`
	Message      string          `yaml:"message"`
}

type conditionFile struct {
	Kind string `yaml:"kind,omitempty"` // defaults to "simple" when Field is set

	Field string `yaml:"field,omitempty"`
	Op    string `yaml:"op,omitempty"`
	Value any    `yaml:"value,omitempty"`

	RefCategory *string `yaml:"ref_category,omitempty"`
	RefProject  *string `yaml:"ref_project,omitempty"`
	Threshold   float64 `yaml:"threshold,omitempty"`

	Window   string `yaml:"window,omitempty"` // parsed with time.ParseDuration
	MinCount int    `yaml:"min_count,omitempty"`

	Statistic string `yaml:"statistic,omitempty"`

	BoolOp   string          `yaml:"bool_op,omitempty"`
	Children []conditionFile `yaml:"children,omitempty"`
}

// Engine holds a hot-reloadable, copy-on-write snapshot of the loaded rule
// table. Readers always see a consistent snapshot; a reload swaps the
// pointer atomically, per §5 "Shared-resource policy".
type Engine struct {
	dirs     []string
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	rules    []model.Guardrail
	loadedAt time.Time
}

// NewEngine loads rule files from dirs and returns a ready Engine. Returns
// an error if any file fails to parse or a batch has duplicate ids.
func NewEngine(dirs []string) (*Engine, error) {
	e := &Engine{dirs: dirs}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads every configured directory and atomically swaps in the
// new rule table. A failed reload leaves the prior snapshot in place.
func (e *Engine) Reload() error {
	rules, err := loadAll(e.dirs)
	if err != nil {
		return err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	e.snapshot.Store(&snapshot{rules: rules, loadedAt: time.Now()})
	return nil
}

// maybeReloadAsync triggers Reload in the background if the cached snapshot
// has exceeded its soft TTL. Evaluations never block on this.
func (e *Engine) maybeReloadAsync() {
	snap := e.snapshot.Load()
	if snap == nil || time.Since(snap.loadedAt) < reloadTTL {
		return
	}
	go func() { _ = e.Reload() }()
}

// List returns the currently loaded rules, triggering a background reload
// first if the cache is stale.
func (e *Engine) List() []model.Guardrail {
	e.maybeReloadAsync()
	snap := e.snapshot.Load()
	if snap == nil {
		return nil
	}
	return append([]model.Guardrail(nil), snap.rules...)
}

// RuleLookup resolves a guardrail id to its loaded rule, used by the
// semantic/temporal/aggregate evaluators' caller to report which rule a
// violation came from.
func (e *Engine) RuleLookup(id string) (model.Guardrail, bool) {
	for _, r := range e.List() {
		if r.ID == id {
			return r, true
		}
	}
	return model.Guardrail{}, false
}

func loadAll(dirs []string) ([]model.Guardrail, error) {
	var rules []model.Guardrail
	seen := make(map[string]bool)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("guardrail: read directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
				continue
			}
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("guardrail: read %s: %w", path, err)
			}

			var rf ruleFile
			if err := yaml.Unmarshal(data, &rf); err != nil {
				return nil, fmt.Errorf("guardrail: parse %s: %w", path, err)
			}
			rule, err := rf.toModel()
			if err != nil {
				return nil, fmt.Errorf("guardrail: %s: %w", path, err)
			}
			if seen[rule.ID] {
				return nil, fmt.Errorf("guardrail: duplicate rule id %q (file %s)", rule.ID, path)
			}
			seen[rule.ID] = true
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func (rf ruleFile) toModel() (model.Guardrail, error) {
	if rf.ID == "" {
		return model.Guardrail{}, fmt.Errorf("rule missing id")
	}
	action := model.GuardrailAction(rf.Action)
	if action != model.ActionBlock && action != model.ActionWarn {
		return model.Guardrail{}, fmt.Errorf("rule %q: invalid action %q", rf.ID, rf.Action)
	}

	conditions := make([]model.Condition, len(rf.Conditions))
	for i, cf := range rf.Conditions {
		c, err := cf.toModel()
		if err != nil {
			return model.Guardrail{}, fmt.Errorf("rule %q: %w", rf.ID, err)
		}
		conditions[i] = c
	}

	return model.Guardrail{
		ID:           rf.ID,
		Description:  rf.Description,
		Scope:        rf.Scope,
		Conditions:   conditions,
		Requirements: rf.Requirements,
		Action:       action,
		Message:      rf.Message,
	}, nil
}

func (cf conditionFile) toModel() (model.Condition, error) {
	kind := model.ConditionKind(cf.Kind)
	if kind == "" {
		kind = model.ConditionSimple
	}

	c := model.Condition{Kind: kind}

	switch kind {
	case model.ConditionSimple:
		op := model.Operator(cf.Op)
		if !validOperator(op) {
			return model.Condition{}, fmt.Errorf("unknown operator %q", cf.Op)
		}
		c.Field, c.Op, c.Value = cf.Field, op, cf.Value
	case model.ConditionSemantic:
		c.RefCategory, c.RefProject, c.Threshold = cf.RefCategory, cf.RefProject, cf.Threshold
	case model.ConditionTemporal:
		if cf.Window != "" {
			d, err := time.ParseDuration(cf.Window)
			if err != nil {
				return model.Condition{}, fmt.Errorf("invalid window %q: %w", cf.Window, err)
			}
			c.Window = d
		}
		c.Field, c.Op, c.Value, c.MinCount = cf.Field, model.Operator(cf.Op), cf.Value, cf.MinCount
	case model.ConditionAggregate:
		c.Statistic, c.Op, c.Value = cf.Statistic, model.Operator(cf.Op), cf.Value
	case model.ConditionCompound:
		boolOp := model.BoolOp(strings.ToUpper(cf.BoolOp))
		if boolOp != model.BoolAnd && boolOp != model.BoolOr {
			return model.Condition{}, fmt.Errorf("compound condition: invalid bool_op %q", cf.BoolOp)
		}
		c.BoolOp = boolOp
		c.Children = make([]model.Condition, len(cf.Children))
		for i, child := range cf.Children {
			cm, err := child.toModel()
			if err != nil {
				return model.Condition{}, err
			}
			c.Children[i] = cm
		}
	default:
		return model.Condition{}, fmt.Errorf("unknown condition kind %q", cf.Kind)
	}
	return c, nil
}

func validOperator(op model.Operator) bool {
	switch op {
	case model.OpEq, model.OpNeq, model.OpLt, model.OpGt, model.OpLte, model.OpGte, model.OpIn, model.OpContains:
		return true
	}
	return false
}

// compareNumeric coerces a and b into float64 for ordering comparisons.
// Accepts numbers directly and numeric strings (YAML/JSON-sourced values
// commonly arrive as either).
func compareNumeric(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
