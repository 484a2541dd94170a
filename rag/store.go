package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Document is one stored passage.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// SearchResult is one hit of a similarity search.
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// VectorStore 向量存储接口
type VectorStore interface {
	// 添加或覆盖文档
	AddDocuments(ctx context.Context, docs []Document) error

	// 按向量相似度检索，结果按分数降序
	Search(ctx context.Context, queryEmbedding []float64, topK int) ([]SearchResult, error)

	// 文档数量
	Count(ctx context.Context) (int, error)
}

// =============================================================================
// 🧠 内存向量存储（测试与小规模使用）
// =============================================================================

// InMemoryStore keeps documents in a slice and scores them by cosine similarity.
type InMemoryStore struct {
	mu        sync.RWMutex
	documents []Document
	index     map[string]int
	logger    *zap.Logger
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		index:  make(map[string]int),
		logger: logger.With(zap.String("component", "memory_vector_store")),
	}
}

// AddDocuments stores docs, replacing documents with the same ID.
func (s *InMemoryStore) AddDocuments(_ context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}
		if i, ok := s.index[doc.ID]; ok {
			s.documents[i] = doc
			continue
		}
		s.index[doc.ID] = len(s.documents)
		s.documents = append(s.documents, doc)
	}

	s.logger.Debug("documents added", zap.Int("count", len(docs)), zap.Int("total", len(s.documents)))
	return nil
}

// Search returns the topK most similar documents.
func (s *InMemoryStore) Search(_ context.Context, queryEmbedding []float64, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topK <= 0 || len(s.documents) == 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(s.documents))
	for _, doc := range s.documents {
		results = append(results, SearchResult{Document: doc, Score: cosineSimilarity(queryEmbedding, doc.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// Count returns the number of stored documents.
func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents), nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
