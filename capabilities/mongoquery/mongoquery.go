package mongoquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Setting codes read by the mongo_query kind.
const (
	SettingDatabase   = "Database"
	SettingCollection = "Collection"
	SettingFilter     = "Filter"
	SettingLimit      = "Limit"
)

// Connection content keys. database is the default when the setting is empty.
const (
	KeyURI      = "uri"
	KeyDatabase = "database"
)

const defaultLimit = 20

// Handler implements capability.Handler for the mongo_query kind.
type Handler struct {
	resolver *connection.Resolver
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

// New creates the mongo_query handler.
func New(resolver *connection.Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: resolver,
		logger:   logger.With(zap.String("component", "mongo_query")),
		clients:  make(map[string]*mongo.Client),
	}
}

// Query is a fully rendered find request.
type Query struct {
	Database   string
	Collection string
	Filter     bson.M
	Limit      int64
}

// BuildQuery renders the settings of def. Parameter values are JSON-escaped
// before substitution so they cannot change the shape of the filter.
func BuildQuery(ctx context.Context, def *types.Definition, conn *types.Connection, params types.Parameters) (*Query, error) {
	q := &Query{Limit: defaultLimit}

	q.Database = capability.Setting(ctx, def, SettingDatabase, params)
	if q.Database == "" {
		q.Database = conn.Value(KeyDatabase)
	}
	if strings.TrimSpace(q.Database) == "" {
		return nil, types.NewConfigError(SettingDatabase, "missing database")
	}

	var err error
	if q.Collection, err = def.Content.Require(SettingCollection); err != nil {
		return nil, err
	}
	q.Collection = capability.Render(ctx, q.Collection, params)

	if v := strings.TrimSpace(def.Content.Value(SettingLimit)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, types.NewConfigError(SettingLimit, "limit must be a positive integer")
		}
		q.Limit = n
	}

	raw := strings.TrimSpace(def.Content.Value(SettingFilter))
	if raw == "" {
		raw = "{}"
	}
	raw = capability.RenderJSON(ctx, raw, params)
	q.Filter = bson.M{}
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &q.Filter); err != nil {
		return nil, types.NewConfigError(SettingFilter, "filter is not valid extended JSON").WithCause(err)
	}
	return q, nil
}

// DoCall runs a find and returns the matching documents as a relaxed
// extended-JSON array.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	conn, err := h.resolver.Resolve(ctx, []string{types.ConnMongoDB}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	q, err := BuildQuery(ctx, def, conn, params)
	if err != nil {
		return "", err
	}
	client, err := h.client(conn)
	if err != nil {
		return "", err
	}

	coll := client.Database(q.Database).Collection(q.Collection)
	cursor, err := coll.Find(ctx, q.Filter, options.Find().SetLimit(q.Limit))
	if err != nil {
		return "", h.queryError(def, conn, err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return "", h.queryError(def, conn, err)
	}
	return encodeDocs(docs)
}

// Close disconnects every cached client.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for key, c := range h.clients {
		if err := c.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.clients, key)
	}
	return firstErr
}

func (h *Handler) queryError(def *types.Definition, conn *types.Connection, err error) error {
	h.logger.Warn("find failed",
		zap.String("capability", def.Name),
		zap.String("connection", conn.Name),
		zap.Error(err),
	)
	return types.NewError(types.ErrUpstream, fmt.Sprintf("mongo find on %s failed", conn.Name)).
		WithCause(err).
		WithRetryable(mongo.IsNetworkError(err) || mongo.IsTimeout(err))
}

// client connects lazily; the driver dials on first operation.
func (h *Handler) client(conn *types.Connection) (*mongo.Client, error) {
	key := conn.ID + "|" + conn.Name
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[key]; ok {
		return c, nil
	}
	uri, err := conn.Require(KeyURI)
	if err != nil {
		return nil, err
	}
	c, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, types.NewConfigError(KeyURI, err.Error())
	}
	h.clients[key] = c
	return c, nil
}

func encodeDocs(docs []bson.M) (string, error) {
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		b, err := bson.MarshalExtJSON(d, false, false)
		if err != nil {
			return "", fmt.Errorf("encode document: %w", err)
		}
		out = append(out, b)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
