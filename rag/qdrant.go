package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/capflow/internal/tlsutil"
	"github.com/BaSui01/capflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connection content keys read by QdrantFromConnection.
const (
	KeyURL                = "url"
	KeyAPIKey             = "api_key"
	KeyRootCAPEM          = "root_ca_pem"
	KeyInsecureSkipVerify = "insecure_skip_verify"
)

// QdrantConfig configures the Qdrant store.
//
// Point IDs are UUIDs derived from Document.ID; the original ID, content and
// metadata travel in the payload.
type QdrantConfig struct {
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	// AutoCreateCollection creates the collection on first write.
	AutoCreateCollection bool   `json:"auto_create_collection,omitempty"`
	Distance             string `json:"distance,omitempty"` // Cosine (default), Dot, Euclid

	TLS tlsutil.ConnectionTLS `json:"-"`
}

// QdrantStore implements VectorStore over Qdrant's REST API.
type QdrantStore struct {
	cfg    QdrantConfig
	client *http.Client
	logger *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore creates a Qdrant-backed store.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:6333"
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, types.NewConfigError("Collection", "qdrant collection is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	client, err := tlsutil.HTTPClientFor(cfg.Timeout, cfg.TLS)
	if err != nil {
		return nil, types.NewConfigError(KeyRootCAPEM, err.Error())
	}
	return &QdrantStore{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "qdrant_store")),
	}, nil
}

// QdrantFromConnection builds a store for collection from a qdrant connection.
func QdrantFromConnection(conn *types.Connection, collection string, logger *zap.Logger) (*QdrantStore, error) {
	cfg := QdrantConfig{
		BaseURL:    conn.Value(KeyURL),
		APIKey:     conn.Value(KeyAPIKey),
		Collection: collection,
		TLS:        tlsutil.ConnectionTLS{RootCAPEM: conn.Value(KeyRootCAPEM)},
	}
	cfg.TLS.InsecureSkipVerify, _ = strconv.ParseBool(conn.Value(KeyInsecureSkipVerify))
	return NewQdrantStore(cfg, logger)
}

var qdrantNamespace = uuid.MustParse("d9bde6d4-4f3a-4e6b-8f7a-5d8d2f3b4c1a")

func qdrantPointID(docID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(docID)).String()
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.cfg.Collection) + suffix
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if !s.cfg.AutoCreateCollection {
		return nil
	}
	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{"size": vectorSize, "distance": s.cfg.Distance},
		}
		err := s.doJSON(ctx, http.MethodPut, s.collectionPath(""), body, nil)
		// 409: collection already exists
		if he, ok := err.(*httpStatusError); ok && he.status == http.StatusConflict {
			err = nil
		}
		s.ensureErr = err
	})
	return s.ensureErr
}

type httpStatusError struct {
	method, path string
	status       int
	body         string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("qdrant %s %s: status %d: %s", e.method, e.path, e.status, e.body)
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrUpstream, "qdrant unreachable").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpStatusError{method: method, path: path, status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AddDocuments upserts docs. Every embedding must have the same dimension.
func (s *QdrantStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	size := len(docs[0].Embedding)
	points := make([]qdrantPoint, 0, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document[%d] has empty id", i)
		}
		if len(doc.Embedding) == 0 || len(doc.Embedding) != size {
			return fmt.Errorf("document[%d] embedding dimension %d, want %d", i, len(doc.Embedding), size)
		}
		points = append(points, qdrantPoint{
			ID:     qdrantPointID(doc.ID),
			Vector: doc.Embedding,
			Payload: map[string]any{
				"doc_id":   doc.ID,
				"content":  doc.Content,
				"metadata": doc.Metadata,
			},
		})
	}

	if err := s.ensureCollection(ctx, size); err != nil {
		return err
	}
	req := map[string]any{"points": points}
	if err := s.doJSON(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil); err != nil {
		return err
	}
	s.logger.Debug("qdrant upsert completed", zap.Int("count", len(docs)))
	return nil
}

// Search returns the topK nearest points.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float64, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}

	req := map[string]any{
		"vector":       queryEmbedding,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		doc := Document{}
		if v, ok := r.Payload["doc_id"].(string); ok {
			doc.ID = v
		}
		if v, ok := r.Payload["content"].(string); ok {
			doc.Content = v
		}
		if v, ok := r.Payload["metadata"].(map[string]any); ok {
			doc.Metadata = v
		}
		if doc.ID == "" {
			doc.ID = fmt.Sprint(r.ID)
		}
		out = append(out, SearchResult{Document: doc, Score: r.Score})
	}
	return out, nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/count"), map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}
