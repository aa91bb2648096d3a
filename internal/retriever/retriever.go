// Package retriever exposes the retrieval capability used to augment
// prompts. The orchestrator treats any failure as "no results".
package retriever

import (
	"context"

	"ragops-api/internal/shared"
)

// Retriever returns context snippets relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]shared.RetrievalResult, error)
	// Check probes the retrieval backend for readiness.
	Check(ctx context.Context) error
	Close() error
}

// Noop is used when retrieval is disabled; it always returns no results.
type Noop struct{}

func (Noop) Retrieve(context.Context, string, int) ([]shared.RetrievalResult, error) {
	return nil, nil
}

func (Noop) Check(context.Context) error { return nil }

func (Noop) Close() error { return nil }
