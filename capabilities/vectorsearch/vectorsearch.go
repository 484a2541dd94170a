package vectorsearch

import (
	"context"
	"strconv"
	"strings"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/llm/providers/openaicompat"
	"github.com/BaSui01/capflow/rag"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Setting codes read by the vector_search kind.
const (
	SettingCollection          = "Collection"
	SettingTopK                = "TopK"
	SettingMinScore            = "MinScore"
	SettingQuery               = "Query"
	SettingEmbeddingConnection = "EmbeddingConnection"
)

const defaultTopK = 5

// StoreFactory opens the vector store for a collection on a resolved connection.
type StoreFactory func(conn *types.Connection, collection string, logger *zap.Logger) (rag.VectorStore, error)

// EmbedderFactory builds the embedder for a resolved LLM connection.
type EmbedderFactory func(conn *types.Connection, logger *zap.Logger) (llm.Embedder, error)

// DefaultStoreFactory opens a Qdrant collection.
func DefaultStoreFactory(conn *types.Connection, collection string, logger *zap.Logger) (rag.VectorStore, error) {
	s, err := rag.QdrantFromConnection(conn, collection, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultEmbedderFactory embeds through the OpenAI-compatible provider.
func DefaultEmbedderFactory(conn *types.Connection, logger *zap.Logger) (llm.Embedder, error) {
	p, err := openaicompat.FromConnection(conn, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Handler implements capability.Handler for the vector_search kind.
type Handler struct {
	resolver  *connection.Resolver
	stores    StoreFactory
	embedders EmbedderFactory
	logger    *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithStoreFactory replaces the vector store factory.
func WithStoreFactory(f StoreFactory) Option {
	return func(h *Handler) { h.stores = f }
}

// WithEmbedderFactory replaces the embedder factory.
func WithEmbedderFactory(f EmbedderFactory) Option {
	return func(h *Handler) { h.embedders = f }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates the vector_search handler.
func New(resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{
		resolver:  resolver,
		stores:    DefaultStoreFactory,
		embedders: DefaultEmbedderFactory,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "vector_search"))
	return h
}

// DoCall embeds the query (default {{parameter1}}) and returns the nearest
// passages, one per line. The definition's connection selects the vector store;
// EmbeddingConnection selects the LLM connection.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	collection, err := def.Content.Require(SettingCollection)
	if err != nil {
		return "", err
	}
	topK := defaultTopK
	if v := strings.TrimSpace(def.Content.Value(SettingTopK)); v != "" {
		if topK, err = strconv.Atoi(v); err != nil || topK <= 0 {
			return "", types.NewConfigError(SettingTopK, "top k must be a positive integer")
		}
	}
	var minScore float64
	if v := strings.TrimSpace(def.Content.Value(SettingMinScore)); v != "" {
		if minScore, err = strconv.ParseFloat(v, 64); err != nil {
			return "", types.NewConfigError(SettingMinScore, err.Error())
		}
	}
	query := capability.Render(ctx, def.Content.ValueOr(SettingQuery, "{{"+types.ParameterName(1)+"}}"), params)

	storeConn, err := h.resolver.Resolve(ctx, []string{types.ConnQdrant}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	llmConn, err := h.resolver.Resolve(ctx, types.LLMConnectionKinds, def.Content.Value(SettingEmbeddingConnection))
	if err != nil {
		return "", err
	}
	store, err := h.stores(storeConn, collection, h.logger)
	if err != nil {
		return "", err
	}
	embedder, err := h.embedders(llmConn, h.logger)
	if err != nil {
		return "", err
	}

	hits, err := rag.NewRetriever(embedder, store, h.logger, rag.WithMinScore(minScore)).Retrieve(ctx, query, topK)
	if err != nil {
		h.logger.Warn("vector search failed",
			zap.String("capability", def.Name),
			zap.String("collection", collection),
			zap.Error(err),
		)
		return "", wrapStoreError(err)
	}
	return rag.Format(hits), nil
}

// wrapStoreError keeps coded errors and marks the rest as upstream failures.
func wrapStoreError(err error) error {
	if types.GetErrorCode(err) != "" {
		return err
	}
	return types.NewError(types.ErrUpstream, "vector store request failed").WithCause(err)
}
