// Package decisions implements the decision service: record, update,
// review and get (spec §4.F), including quality scoring.
package decisions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/graphstore"
	"github.com/cstp-run/blackbox/internal/guardrail"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

// ErrValidation is returned for malformed recordDecision/updateDecision input.
var ErrValidation = errors.New("decisions: validation failed")

// ErrForbidden is returned when updateDecision is attempted by an agent
// other than the one that recorded the decision.
var ErrForbidden = errors.New("decisions: not the recording agent")

// ErrAlreadyReviewed is returned by reviewDecision on a decision that
// already carries an outcome.
var ErrAlreadyReviewed = errors.New("decisions: already reviewed")

// relatedTopK is how many of the tracker's last-query top ids become
// related_to candidates, per §4.F step 7.
const relatedTopK = 5

// Service wires the decision corpus to its supporting stores. Guardrails
// and Tracker are optional: a nil Guardrails check always allows, a nil
// Tracker never auto-attaches deliberation.
type Service struct {
	Store      decisionstore.Store
	Vector     vectorstore.Store
	Graph      graphstore.Store
	Embed      embedding.Provider
	Guardrails *guardrail.Checker
	Tracker    *tracker.Tracker

	idemMu sync.Mutex
	idem   map[string]RecordResult
}

// New returns a ready Service.
func New(store decisionstore.Store, vec vectorstore.Store, graph graphstore.Store, embed embedding.Provider, guardrails *guardrail.Checker, trk *tracker.Tracker) *Service {
	return &Service{
		Store: store, Vector: vec, Graph: graph, Embed: embed,
		Guardrails: guardrails, Tracker: trk,
		idem: make(map[string]RecordResult),
	}
}

// RecordInput is recordDecision's input, per §4.F.
type RecordInput struct {
	Decision   string
	Context    string
	Category   string
	Stakes     model.Stakes
	Confidence float64
	AgentID    string

	Project string
	Feature string
	PR      int
	File    *string
	Line    *int
	Commit  *string

	Reasons []model.Reason
	Tags    []string
	Pattern *string
	Bridge  *model.Bridge

	Deliberation *model.DeliberationTrace
	RelatedTo    []model.RelatedDecision
	ReviewBy     *time.Time

	SessionKey     string
	IdempotencyKey *string
}

// RecordResult is recordDecision's output, per §4.F step 12.
type RecordResult struct {
	Success                 bool                    `json:"success"`
	Allowed                 bool                    `json:"allowed"`
	ID                      string                  `json:"id,omitempty"`
	Indexed                 bool                    `json:"indexed"`
	DeliberationAuto        bool                    `json:"deliberation_auto"`
	DeliberationInputsCount int                     `json:"deliberation_inputs_count"`
	RelatedCount            int                     `json:"related_count"`
	Quality                 *model.Quality          `json:"quality,omitempty"`
	Violations              []model.GuardrailResult `json:"violations,omitempty"`
}

// Record runs the full recordDecision flow, §4.F.
func (s *Service) Record(ctx context.Context, in RecordInput) (RecordResult, error) {
	if err := validateRecord(in); err != nil {
		return RecordResult{}, err
	}

	if in.IdempotencyKey != nil {
		if cached, ok := s.lookupIdempotent(in.AgentID, *in.IdempotencyKey); ok {
			return cached, nil
		}
	}

	if s.Guardrails != nil {
		check := s.Guardrails.Check(ctx, model.ActionContext{
			Description: in.Decision,
			Category:    in.Category,
			Stakes:      in.Stakes,
			Confidence:  &in.Confidence,
			Context:     map[string]any{"project": in.Project},
		})
		if !check.Allowed {
			return RecordResult{Success: false, Allowed: false, Violations: blockingViolations(check.Violations)}, nil
		}
	}

	id, err := s.assignID(ctx, in.AgentID, in.Decision)
	if err != nil {
		return RecordResult{}, fmt.Errorf("decisions: assign id: %w", err)
	}

	d := model.Decision{
		ID: id, DecisionText: in.Decision, Context: in.Context, Category: in.Category,
		Stakes: in.Stakes, Confidence: in.Confidence, AgentID: in.AgentID, CreatedAt: time.Now(),
		Project: in.Project, Feature: in.Feature, PR: in.PR, File: in.File, Line: in.Line, Commit: in.Commit,
		Reasons: in.Reasons, Tags: in.Tags, Pattern: in.Pattern, Bridge: in.Bridge, ReviewBy: in.ReviewBy,
	}

	deliberationAuto := false
	inputsCount := 0
	var trackedTopIDs []string
	if s.Tracker != nil && in.SessionKey != "" {
		pending := s.Tracker.Peek(in.SessionKey)
		trackedTopIDs = lastQueryTopIDs(pending)
		if trace, ok := s.Tracker.Consume(in.SessionKey); ok {
			merged := mergeDeliberation(in.Deliberation, trace)
			d.Deliberation = &merged
			deliberationAuto = in.Deliberation == nil
			inputsCount = len(merged.Inputs)
		}
	}
	if d.Deliberation == nil && in.Deliberation != nil {
		d.Deliberation = in.Deliberation
		inputsCount = len(in.Deliberation.Inputs)
	}

	d.RelatedTo = append(append([]model.RelatedDecision(nil), in.RelatedTo...), relatedFromTracked(trackedTopIDs, in.RelatedTo)...)

	if d.Deliberation != nil {
		related := make(map[string]bool, len(d.RelatedTo))
		for _, rel := range d.RelatedTo {
			related[rel.ID] = true
		}
		for _, id := range trackedTopIDs {
			if related[id] {
				d.Deliberation.Convergence = true
				break
			}
		}
	}

	vecs, embedErr := s.Embed.Embed(ctx, []string{d.SearchableText()})

	if err := s.Store.Save(ctx, d); err != nil {
		return RecordResult{}, fmt.Errorf("decisions: persist decision: %w", err)
	}

	indexed := false
	if embedErr == nil && len(vecs) > 0 {
		meta := map[string]any{"category": d.Category, "project": d.Project}
		if err := s.Vector.Upsert(ctx, d.ID, d.SearchableText(), vecs[0], meta); err == nil {
			indexed = true
		}
	}

	relatedCount := 0
	for _, rel := range d.RelatedTo {
		if err := s.Graph.Link(ctx, graphstore.Edge{FromID: d.ID, ToID: rel.ID, Type: string(model.EdgeRelatesTo), Weight: 1 - rel.Distance}); err == nil {
			relatedCount++
		}
	}

	quality := scoreQuality(d, inputsCount)

	result := RecordResult{
		Success: true, Allowed: true, ID: d.ID, Indexed: indexed,
		DeliberationAuto: deliberationAuto, DeliberationInputsCount: inputsCount,
		RelatedCount: relatedCount, Quality: &quality,
	}

	if in.IdempotencyKey != nil {
		s.storeIdempotent(in.AgentID, *in.IdempotencyKey, result)
	}
	return result, nil
}

func validateRecord(in RecordInput) error {
	if strings.TrimSpace(in.Decision) == "" {
		return fmt.Errorf("%w: decision text is required", ErrValidation)
	}
	if in.Category == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0,1]", ErrValidation)
	}
	if in.Stakes != "" && !model.ValidStakes(in.Stakes) {
		return fmt.Errorf("%w: unknown stakes %q", ErrValidation, in.Stakes)
	}
	return nil
}

func (s *Service) assignID(ctx context.Context, agentID, text string) (string, error) {
	base := fmt.Sprintf("%s|%s|%d", agentID, text, time.Now().UnixNano())
	for attempt := 0; attempt < 5; attempt++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", base, attempt)))
		id := hex.EncodeToString(sum[:])[:16]
		if _, err := s.Store.Get(ctx, id); errors.Is(err, storeerr.ErrNotFound) {
			return id, nil
		}
	}
	return "", fmt.Errorf("decisions: could not allocate a unique id")
}

func (s *Service) lookupIdempotent(agentID, key string) (RecordResult, bool) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	r, ok := s.idem[agentID+"|"+key]
	return r, ok
}

func (s *Service) storeIdempotent(agentID, key string, r RecordResult) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	s.idem[agentID+"|"+key] = r
}

// blockingViolations filters a guardrail check's full result set down to
// the block-severity entries, per §4.F step 2: a blocked recordDecision
// reports why it blocked, not every warn-severity rule that also matched.
func blockingViolations(results []model.GuardrailResult) []model.GuardrailResult {
	out := make([]model.GuardrailResult, 0, len(results))
	for _, r := range results {
		if r.Severity == model.SeverityBlock {
			out = append(out, r)
		}
	}
	return out
}

// lastQueryTopIDs extracts the top_ids recorded in the most recent
// TrackedQuery input's RawData, per §4.F step 7(b).
func lastQueryTopIDs(inputs []model.TrackedInput) []string {
	for i := len(inputs) - 1; i >= 0; i-- {
		if inputs[i].Type != model.TrackedQuery {
			continue
		}
		raw, ok := inputs[i].RawData["top_ids"].([]string)
		if !ok {
			return nil
		}
		if len(raw) > relatedTopK {
			raw = raw[:relatedTopK]
		}
		return raw
	}
	return nil
}

func relatedFromTracked(ids []string, existing []model.RelatedDecision) []model.RelatedDecision {
	already := make(map[string]bool, len(existing))
	for _, e := range existing {
		already[e.ID] = true
	}
	var out []model.RelatedDecision
	for i, id := range ids {
		if already[id] {
			continue
		}
		out = append(out, model.RelatedDecision{ID: id, Distance: float64(i) / float64(len(ids))})
	}
	return out
}

// UpdateInput is updateDecision's input, per §4.F. Only the named fields are
// mutable; nil pointers leave the corresponding decision field unchanged,
// except Tags/Reasons which replace wholesale when non-nil.
type UpdateInput struct {
	ID           string
	AgentID      string
	DecisionText *string
	Context      *string
	Pattern      *string
	Tags         []string
	Bridge       *model.Bridge
	Reasons      []model.Reason
}

// Update runs updateDecision, §4.F: same-agent-only, no-outcome-only,
// re-embeds and re-upserts the vector, leaves edges and deliberation alone.
func (s *Service) Update(ctx context.Context, in UpdateInput) (model.Decision, error) {
	d, err := s.Store.Get(ctx, in.ID)
	if err != nil {
		return model.Decision{}, err
	}
	if d.AgentID != in.AgentID {
		return model.Decision{}, ErrForbidden
	}
	if d.Outcome != nil {
		return model.Decision{}, fmt.Errorf("%w: decision already reviewed", ErrAlreadyReviewed)
	}

	if in.DecisionText != nil {
		if strings.TrimSpace(*in.DecisionText) == "" {
			return model.Decision{}, fmt.Errorf("%w: decision text cannot be blank", ErrValidation)
		}
		d.DecisionText = *in.DecisionText
	}
	if in.Context != nil {
		d.Context = *in.Context
	}
	if in.Pattern != nil {
		d.Pattern = in.Pattern
	}
	if in.Tags != nil {
		d.Tags = in.Tags
	}
	if in.Bridge != nil {
		d.Bridge = in.Bridge
	}
	if in.Reasons != nil {
		d.Reasons = in.Reasons
	}
	now := time.Now()
	d.UpdatedAt = &now

	if err := s.Store.Save(ctx, d); err != nil {
		return model.Decision{}, fmt.Errorf("decisions: persist update: %w", err)
	}

	if vecs, err := s.Embed.Embed(ctx, []string{d.SearchableText()}); err == nil && len(vecs) > 0 {
		meta := map[string]any{"category": d.Category, "project": d.Project}
		_ = s.Vector.Upsert(ctx, d.ID, d.SearchableText(), vecs[0], meta)
	}

	return d, nil
}

// ReviewInput is reviewDecision's input, per §4.F.
type ReviewInput struct {
	ID           string
	Outcome      model.OutcomeKind
	ActualResult string
	Lessons      *string
}

// Review attaches an outcome to a decision. Rejects if already reviewed or
// the id is unknown, per §4.F.
func (s *Service) Review(ctx context.Context, in ReviewInput) error {
	err := s.Store.UpdateOutcome(ctx, in.ID, in.Outcome, in.ActualResult, in.Lessons)
	if errors.Is(err, storeerr.ErrConflict) {
		return ErrAlreadyReviewed
	}
	return err
}

// GetResult is getDecision's output: the decision plus its first-ring graph
// neighbors, per §4.F.
type GetResult struct {
	Decision  model.Decision            `json:"decision"`
	Neighbors []graphstore.NeighborEdge `json:"neighbors"`
}

// Get returns a decision with its deliberation trace, quality and first-ring
// neighbors, per §4.F.
func (s *Service) Get(ctx context.Context, id string) (GetResult, error) {
	d, err := s.Store.Get(ctx, id)
	if err != nil {
		return GetResult{}, err
	}
	neighbors, err := s.Graph.Neighbors(ctx, id, nil)
	if err != nil {
		return GetResult{}, fmt.Errorf("decisions: load neighbors: %w", err)
	}
	if d.Quality == nil {
		inputsCount := 0
		if d.Deliberation != nil {
			inputsCount = len(d.Deliberation.Inputs)
		}
		q := scoreQuality(d, inputsCount)
		d.Quality = &q
	}
	return GetResult{Decision: d, Neighbors: neighbors}, nil
}

// mergeDeliberation merges tracked inputs into an explicit deliberation
// trace the caller supplied, deduplicating by input id, per §4.F step 6.
func mergeDeliberation(explicit *model.DeliberationTrace, tracked model.DeliberationTrace) model.DeliberationTrace {
	if explicit == nil {
		return tracked
	}
	seen := make(map[string]bool, len(explicit.Inputs))
	merged := *explicit
	merged.Inputs = append([]model.TrackedInput(nil), explicit.Inputs...)
	for _, in := range explicit.Inputs {
		seen[in.ID] = true
	}
	for _, in := range tracked.Inputs {
		if seen[in.ID] {
			continue
		}
		merged.Inputs = append(merged.Inputs, in)
		seen[in.ID] = true
	}
	return merged
}
