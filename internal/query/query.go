// Package query implements the hybrid retrieval service behind
// queryDecisions (spec §4.E).
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cstp-run/blackbox/internal/bm25"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

// MaxLimit is the hard cap on a single response's item count, per §4.E.
const MaxLimit = 50

// DefaultLimit is applied when the caller doesn't specify one.
const DefaultLimit = 10

// Mode is the retrieval strategy, per §4.E.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// BridgeSide selects which face of a decision's bridge-definition the query
// text is prefixed to match against, per §4.E and GLOSSARY "Bridge-definition".
type BridgeSide string

const (
	BridgeStructure BridgeSide = "structure"
	BridgeFunction  BridgeSide = "function"
	BridgeBoth      BridgeSide = "both"
)

// ErrInvalidParams is returned for out-of-range limit/hybrid_weight inputs.
var ErrInvalidParams = errors.New("query: invalid params")

// Request is queryDecisions' input, per §4.E.
type Request struct {
	Query string
	// Limit is a pointer so an explicit 0 (short-circuit to empty results,
	// per §8) is distinguishable from "omitted" (defaults to DefaultLimit).
	Limit          *int
	IncludeReasons bool
	RetrievalMode  Mode
	HybridWeight   float64
	BridgeSide     BridgeSide
	Filters        model.DecisionFilters

	// AgentID/SessionKey, when both non-empty, cause a successful query to
	// be tracked in the caller's deliberation session, per §4.E "Tracker
	// integration".
	AgentID    string
	SessionKey string
}

// Hit is one scored result, enriched with the full decision body.
type Hit struct {
	Decision model.Decision `json:"decision"`
	Distance float64        `json:"distance"`
}

// Result is queryDecisions' output.
type Result struct {
	Hits  []Hit `json:"hits"`
	Total int   `json:"total"`
}

// Service runs the retrieval pipeline against a DecisionStore, VectorStore
// and EmbeddingProvider triple.
type Service struct {
	Store   decisionstore.Store
	Vector  vectorstore.Store
	Embed   embedding.Provider
	Tracker *tracker.Tracker
}

// New returns a ready Service.
func New(store decisionstore.Store, vec vectorstore.Store, embed embedding.Provider, trk *tracker.Tracker) *Service {
	return &Service{Store: store, Vector: vec, Embed: embed, Tracker: trk}
}

// Query runs req through the retrieval pipeline and returns a deterministic
// set of hits, per §4.E's numbered algorithm.
func (s *Service) Query(ctx context.Context, req Request) (Result, error) {
	if req.Limit != nil && *req.Limit == 0 {
		return Result{}, nil
	}
	limit := DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit > MaxLimit {
		return Result{}, fmt.Errorf("%w: limit %d exceeds max %d", ErrInvalidParams, limit, MaxLimit)
	}
	mode := req.RetrievalMode
	if mode == "" {
		mode = ModeHybrid
	}
	weight := req.HybridWeight
	if weight == 0 {
		weight = 0.7
	}
	if weight < 0 || weight > 1 {
		return Result{}, fmt.Errorf("%w: hybrid_weight %v out of [0,1]", ErrInvalidParams, weight)
	}

	where := filtersToWhere(req.Filters)

	var scored []bm25.Score
	var err error
	switch mode {
	case ModeSemantic:
		scored, err = s.semanticScores(ctx, req, where, limit)
	case ModeKeyword:
		scored, err = s.keywordScores(ctx, req)
	default:
		scored, err = s.hybridScores(ctx, req, where, limit, weight)
	}
	if err != nil {
		return Result{}, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	hits := make([]Hit, 0, len(scored))
	for _, sc := range scored {
		d, err := s.Store.Get(ctx, sc.ID)
		if err != nil {
			if errors.Is(err, storeerr.ErrNotFound) {
				continue
			}
			return Result{}, fmt.Errorf("query: enrich hit %s: %w", sc.ID, err)
		}
		if !matchesFullFilters(d, req.Filters) {
			continue
		}
		if !req.IncludeReasons {
			d.Reasons = nil
		}
		hits = append(hits, Hit{Decision: d, Distance: 1 - sc.Score})
	}

	result := Result{Hits: hits, Total: len(hits)}
	s.track(req, result)
	return result, nil
}

func (s *Service) queryText(req Request) string {
	switch req.BridgeSide {
	case BridgeStructure:
		return "Structure: " + req.Query
	case BridgeFunction:
		return "Function: " + req.Query
	default:
		return req.Query
	}
}

func (s *Service) semanticScores(ctx context.Context, req Request, where map[string]any, limit int) ([]bm25.Score, error) {
	if s.Embed == nil || s.Vector == nil {
		return nil, fmt.Errorf("query: semantic retrieval requires an embedding provider and vector store")
	}
	vecs, err := s.Embed.Embed(ctx, []string{s.queryText(req)})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("query: embed query text: %w", err)
	}
	matches, err := s.Vector.Query(ctx, vecs[0], limit, where)
	if err != nil {
		return nil, fmt.Errorf("query: vector store query: %w", err)
	}
	scores := make([]bm25.Score, len(matches))
	for i, m := range matches {
		scores[i] = bm25.Score{ID: m.ID, Score: 1 - m.Distance}
	}
	return scores, nil
}

func (s *Service) keywordScores(ctx context.Context, req Request) ([]bm25.Score, error) {
	idx, err := s.buildBM25(ctx, req.Filters)
	if err != nil {
		return nil, err
	}
	return idx.Query(req.Query), nil
}

// hybridScores implements §4.E step 4: native fusion when the backend
// supports it, otherwise an independent semantic+keyword run merged by the
// weighted-sum formula.
func (s *Service) hybridScores(ctx context.Context, req Request, where map[string]any, limit int, weight float64) ([]bm25.Score, error) {
	if native, ok := s.Vector.(vectorstore.NativeHybrid); ok && s.Embed != nil {
		vecs, err := s.Embed.Embed(ctx, []string{s.queryText(req)})
		if err != nil || len(vecs) == 0 {
			return nil, fmt.Errorf("query: embed query text: %w", err)
		}
		matches, err := native.HybridQuery(ctx, req.Query, vecs[0], limit, where, weight)
		if err != nil {
			return nil, fmt.Errorf("query: native hybrid query: %w", err)
		}
		scores := make([]bm25.Score, len(matches))
		for i, m := range matches {
			scores[i] = bm25.Score{ID: m.ID, Score: 1 - m.Distance}
		}
		return scores, nil
	}

	semantic, err := s.semanticScores(ctx, req, where, limit)
	if err != nil {
		return nil, err
	}
	keyword, err := s.keywordScores(ctx, req)
	if err != nil {
		return nil, err
	}

	semanticByID := make(map[string]float64, len(semantic))
	for _, sc := range semantic {
		semanticByID[sc.ID] = sc.Score
	}
	keywordByID := make(map[string]float64, len(keyword))
	for _, sc := range keyword {
		keywordByID[sc.ID] = sc.Score
	}

	union := make(map[string]bool)
	for id := range semanticByID {
		union[id] = true
	}
	for id := range keywordByID {
		union[id] = true
	}

	combined := make([]bm25.Score, 0, len(union))
	for id := range union {
		sem := semanticByID[id]
		kw := keywordByID[id]
		combined = append(combined, bm25.Score{ID: id, Score: weight*sem + (1-weight)*kw})
	}
	return combined, nil
}

// buildBM25 fetches the filtered decision set (up to the DecisionStore's
// page cap) and builds a fresh index. §4.D allows caching; this service
// always rebuilds per call, which is the simplest implementation
// satisfying the "deterministic given identical inputs" contract without a
// cross-call invalidation mechanism.
func (s *Service) buildBM25(ctx context.Context, filters model.DecisionFilters) (*bm25.Index, error) {
	maxLimit := MaxLimit
	result, err := s.Store.List(ctx, model.ListQuery{Filters: filters, SortDir: model.SortDesc, Limit: &maxLimit})
	if err != nil {
		return nil, fmt.Errorf("query: list decisions for bm25: %w", err)
	}
	docs := make([]bm25.Document, len(result.Items))
	for i, d := range result.Items {
		docs[i] = bm25.Document{ID: d.ID, Text: d.SearchableText()}
	}
	return bm25.Build(docs), nil
}

func (s *Service) track(req Request, result Result) {
	if s.Tracker == nil || req.AgentID == "" || req.SessionKey == "" {
		return
	}
	topN := result.Hits
	if len(topN) > 5 {
		topN = topN[:5]
	}
	ids := make([]string, len(topN))
	for i, h := range topN {
		ids[i] = h.Decision.ID
	}
	s.Tracker.Track(req.SessionKey, model.TrackedInput{
		ID:        fmt.Sprintf("q-%d", time.Now().UnixNano()),
		Type:      model.TrackedQuery,
		Text:      req.Query,
		Source:    "queryDecisions",
		Timestamp: time.Now(),
		RawData:   map[string]any{"result_count": result.Total, "top_ids": ids},
	})
}

func filtersToWhere(f model.DecisionFilters) map[string]any {
	where := map[string]any{}
	if f.Category != nil {
		where["category"] = *f.Category
	}
	if f.Project != nil {
		where["project"] = *f.Project
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

// matchesFullFilters re-applies the full DecisionFilters in-process, since
// VectorStore backends only support equality filtering on a small metadata
// subset (category/project). This guarantees correctness regardless of
// which vector backend produced the candidate set.
func matchesFullFilters(d model.Decision, f model.DecisionFilters) bool {
	if f.Category != nil && d.Category != *f.Category {
		return false
	}
	if f.MinConfidence != nil && d.Confidence < *f.MinConfidence {
		return false
	}
	if f.MaxConfidence != nil && d.Confidence > *f.MaxConfidence {
		return false
	}
	if len(f.Stakes) > 0 && !containsStakes(f.Stakes, d.Stakes) {
		return false
	}
	if len(f.Status) > 0 && !containsString(f.Status, d.Status()) {
		return false
	}
	if f.Agent != nil && d.AgentID != *f.Agent {
		return false
	}
	if f.Project != nil && d.Project != *f.Project {
		return false
	}
	if f.Feature != nil && d.Feature != *f.Feature {
		return false
	}
	if f.PR != nil && d.PR != *f.PR {
		return false
	}
	if f.HasOutcome != nil && (d.Outcome != nil) != *f.HasOutcome {
		return false
	}
	if f.DateRange != nil {
		if f.DateRange.After != nil && d.CreatedAt.Before(*f.DateRange.After) {
			return false
		}
		if f.DateRange.Before != nil && d.CreatedAt.After(*f.DateRange.Before) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !containsString(d.Tags, tag) {
			return false
		}
	}
	return true
}

func containsStakes(list []model.Stakes, s model.Stakes) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
