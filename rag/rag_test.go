package rag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// keywordEmbedder maps text onto fixed axes: go, rust, python.
type keywordEmbedder struct {
	err error
}

func (e keywordEmbedder) Embed(_ context.Context, inputs []string) ([][]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		in = strings.ToLower(in)
		out[i] = []float64{
			float64(strings.Count(in, "go")),
			float64(strings.Count(in, "rust")),
			float64(strings.Count(in, "python")) + 0.01,
		}
	}
	return out, nil
}

func TestInMemoryStore_SearchOrdersByScore(t *testing.T) {
	s := NewInMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.AddDocuments(ctx, []Document{
		{ID: "a", Content: "x-axis", Embedding: []float64{1, 0}},
		{ID: "b", Content: "diagonal", Embedding: []float64{1, 1}},
		{ID: "c", Content: "y-axis", Embedding: []float64{0, 1}},
	}))

	hits, err := s.Search(ctx, []float64{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Document.ID)
	assert.Equal(t, "b", hits[1].Document.ID)

	hits, err = s.Search(ctx, []float64{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestInMemoryStore_ReplacesByID(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.AddDocuments(ctx, []Document{{ID: "a", Content: "old", Embedding: []float64{1}}}))
	require.NoError(t, s.AddDocuments(ctx, []Document{{ID: "a", Content: "new", Embedding: []float64{1}}}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := s.Search(ctx, []float64{1}, 5)
	require.NoError(t, err)
	assert.Equal(t, "new", hits[0].Document.Content)

	assert.Error(t, s.AddDocuments(ctx, []Document{{ID: "b"}}))
}

func TestRetriever_IndexAndRetrieve(t *testing.T) {
	ctx := context.Background()
	r := NewRetriever(keywordEmbedder{}, NewInMemoryStore(nil), nil, WithMinScore(0.5))
	require.NoError(t, r.Index(ctx, []Document{
		{ID: "1", Content: "Go has goroutines"},
		{ID: "2", Content: "Rust has\nownership"},
		{ID: "3", Content: "Python has generators"},
	}))

	hits, err := r.Retrieve(ctx, "rust", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Rust has ownership", Format(hits))

	hits, err = r.Retrieve(ctx, "   ", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetriever_EmbeddingQuotaIsResourceLimit(t *testing.T) {
	r := NewRetriever(keywordEmbedder{err: &llm.Error{Code: llm.ErrQuotaExceeded, Message: "quota", Provider: "mock"}}, NewInMemoryStore(nil), nil)

	_, err := r.Retrieve(context.Background(), "go", 1)
	assert.True(t, types.IsResourceLimit(err))
}

// =============================================================================
// 🧪 Qdrant
// =============================================================================

type fakeQdrant struct {
	mu      sync.Mutex
	points  map[string]qdrantPoint
	created bool
	apiKeys []string
}

func (f *fakeQdrant) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /collections/docs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.created {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.created = true
		_, _ = w.Write([]byte(`{"result":true}`))
	})
	mux.HandleFunc("PUT /collections/docs/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []qdrantPoint `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
		for _, p := range body.Points {
			f.points[p.ID] = p
		}
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	})
	mux.HandleFunc("POST /collections/docs/points/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		type hit struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		}
		var result []hit
		for id, p := range f.points {
			result = append(result, hit{ID: id, Score: 0.9, Payload: p.Payload})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	})
	mux.HandleFunc("POST /collections/docs/points/count", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]int{"count": len(f.points)}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing collection", http.StatusNotFound)
	})
	return mux
}

func TestQdrantStore_RoundTrip(t *testing.T) {
	fq := &fakeQdrant{points: map[string]qdrantPoint{}}
	srv := httptest.NewServer(fq.handler(t))
	defer srv.Close()

	conn := &types.Connection{Name: "vectors", Kind: types.ConnQdrant, Content: map[string]string{KeyURL: srv.URL, KeyAPIKey: "secret"}}
	s, err := QdrantFromConnection(conn, "docs", zap.NewNop())
	require.NoError(t, err)
	s.cfg.AutoCreateCollection = true
	ctx := context.Background()

	doc := Document{ID: "readme", Content: "hello", Metadata: map[string]any{"lang": "en"}, Embedding: []float64{1, 0}}
	require.NoError(t, s.AddDocuments(ctx, []Document{doc}))
	require.NoError(t, s.AddDocuments(ctx, []Document{doc}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := s.Search(ctx, []float64{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "readme", hits[0].Document.ID)
	assert.Equal(t, "hello", hits[0].Document.Content)
	assert.Equal(t, "en", hits[0].Document.Metadata["lang"])
	assert.Equal(t, []string{"secret", "secret"}, fq.apiKeys)
	assert.Equal(t, qdrantPointID("readme"), qdrantPointID("readme"))
}

func TestQdrantStore_Errors(t *testing.T) {
	fq := &fakeQdrant{points: map[string]qdrantPoint{}}
	srv := httptest.NewServer(fq.handler(t))
	defer srv.Close()

	_, err := NewQdrantStore(QdrantConfig{BaseURL: srv.URL}, nil)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))

	s, err := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "other"}, nil)
	require.NoError(t, err)
	_, err = s.Count(context.Background())
	var se *httpStatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.status)

	err = s.AddDocuments(context.Background(), []Document{
		{ID: "a", Embedding: []float64{1, 2}},
		{ID: "b", Embedding: []float64{1}},
	})
	assert.ErrorContains(t, err, "dimension")
}
