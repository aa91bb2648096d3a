package retriever

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"ragops-api/internal/shared"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds the vector index connection settings.
type QdrantConfig struct {
	// URL is the qdrant server address, e.g. "https://example.qdrant.io:6334".
	URL            string
	CollectionName string
	APIKey         string
}

// Qdrant implements Retriever over a qdrant collection whose points carry the
// document text under the "content" payload key.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
}

func NewQdrant(cfg QdrantConfig, embedder Embedder) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}

	parsed := cfg.URL
	if !strings.HasPrefix(parsed, "http://") && !strings.HasPrefix(parsed, "https://") {
		parsed = "https://" + parsed
	}
	u, err := url.Parse(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Qdrant{client: client, collection: cfg.CollectionName, embedder: embedder}, nil
}

func (q *Qdrant) Retrieve(ctx context.Context, query string, topK int) ([]shared.RetrievalResult, error) {
	if topK < 1 {
		topK = 1
	}
	vector, err := q.embedder.EncodeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	limit := uint64(topK)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]shared.RetrievalResult, 0, len(points))
	for _, point := range points {
		score := float64(point.Score)
		r := shared.RetrievalResult{
			Metadata: make(map[string]any),
			Score:    &score,
		}
		for k, v := range point.Payload {
			if k == "content" {
				r.PageContent = v.GetStringValue()
				continue
			}
			r.Metadata[k] = payloadValue(v)
		}
		results = append(results, r)
	}
	return results, nil
}

func (q *Qdrant) Check(ctx context.Context) error {
	_, err := q.client.HealthCheck(ctx)
	return err
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func payloadValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}

var _ Retriever = (*Qdrant)(nil)
