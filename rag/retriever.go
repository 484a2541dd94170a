package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Retriever embeds queries and searches a store.
type Retriever struct {
	embedder llm.Embedder
	store    VectorStore
	minScore float64
	logger   *zap.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithMinScore drops hits scoring below min.
func WithMinScore(min float64) RetrieverOption {
	return func(r *Retriever) { r.minScore = min }
}

// NewRetriever creates a retriever.
func NewRetriever(embedder llm.Embedder, store VectorStore, logger *zap.Logger, opts ...RetrieverOption) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retriever{
		embedder: embedder,
		store:    store,
		logger:   logger.With(zap.String("component", "retriever")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to topK passages relevant to query.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, llm.AsCapflowError(err)
	}
	if len(vectors) == 0 {
		return nil, types.NewError(types.ErrUpstream, "embedding provider returned no vectors")
	}

	hits, err := r.store.Search(ctx, vectors[0], topK)
	if err != nil {
		return nil, err
	}
	if r.minScore > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= r.minScore {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	r.logger.Debug("retrieved passages", zap.Int("hits", len(hits)), zap.Int("top_k", topK))
	return hits, nil
}

// Index embeds and stores docs that have no embedding yet.
func (r *Retriever) Index(ctx context.Context, docs []Document) error {
	var pending []int
	var inputs []string
	for i, d := range docs {
		if len(d.Embedding) == 0 {
			pending = append(pending, i)
			inputs = append(inputs, d.Content)
		}
	}
	if len(inputs) > 0 {
		vectors, err := r.embedder.Embed(ctx, inputs)
		if err != nil {
			return llm.AsCapflowError(err)
		}
		if len(vectors) != len(inputs) {
			return fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(vectors), len(inputs))
		}
		for j, i := range pending {
			docs[i].Embedding = vectors[j]
		}
	}
	return r.store.AddDocuments(ctx, docs)
}

// Format renders hits as one passage per line.
func Format(hits []SearchResult) string {
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		lines = append(lines, strings.ReplaceAll(strings.TrimSpace(h.Document.Content), "\n", " "))
	}
	return strings.Join(lines, "\n")
}
