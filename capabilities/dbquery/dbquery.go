package dbquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/internal/database"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SettingQuery holds the SQL statement. Parameters bind as @parameter1..@parameter9.
const SettingQuery = "Query"

// ConnectionKinds are the SQL connection kinds this handler accepts.
var ConnectionKinds = []string{types.ConnPostgres, types.ConnMySQL, types.ConnSQLite}

// DefaultTxRetries bounds the attempts of a write statement that fails with a
// deadlock, a serialization failure or a dropped connection.
const DefaultTxRetries = 3

// readPrefixes mark statements that return rows.
var readPrefixes = []string{"select", "with", "show", "pragma", "explain", "describe", "values"}

// Handler implements capability.Handler for the database_query kind.
type Handler struct {
	resolver  *connection.Resolver
	pools     *database.Pools
	txRetries int
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithPools shares a pool set with other components.
func WithPools(pools *database.Pools) Option {
	return func(h *Handler) { h.pools = pools }
}

// WithTxRetries sets how many times a write statement is attempted.
func WithTxRetries(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.txRetries = n
		}
	}
}

// WithMetrics records query durations.
func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = c }
}

// New creates the database_query handler.
func New(resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{resolver: resolver, txRetries: DefaultTxRetries, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "database_query"))
	if h.pools == nil {
		h.pools = database.NewPools(database.DefaultPoolConfig(), nil, h.metrics, h.logger)
	}
	return h
}

// Close releases every pool opened by the handler.
func (h *Handler) Close() error {
	return h.pools.Close()
}

// DoCall runs the Query setting. Row-returning statements yield a JSON array
// of objects; other statements run in a transaction and yield {"rows_affected": n}.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	query, err := def.Content.Require(SettingQuery)
	if err != nil {
		return "", err
	}
	conn, err := h.resolver.Resolve(ctx, ConnectionKinds, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	pm, err := h.pools.Get(ctx, conn)
	if err != nil {
		return "", err
	}

	var args []any
	if strings.Contains(query, "@") {
		named := make(map[string]any, len(params))
		for k, v := range params {
			named[k] = v
		}
		args = append(args, named)
	}

	db := pm.DB().WithContext(ctx)
	start := time.Now()
	if isRead(query) {
		var rows []map[string]any
		if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
			return "", h.queryError(def, conn, err)
		}
		h.metrics.RecordDBQuery(conn.Name, "select", time.Since(start))
		return encodeRows(rows)
	}

	var affected int64
	err = pm.WithTransactionRetry(ctx, h.txRetries, func(tx *gorm.DB) error {
		res := tx.Exec(query, args...)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return "", h.queryError(def, conn, err)
	}
	h.metrics.RecordDBQuery(conn.Name, "exec", time.Since(start))
	out, _ := json.Marshal(map[string]int64{"rows_affected": affected})
	return string(out), nil
}

func (h *Handler) queryError(def *types.Definition, conn *types.Connection, err error) error {
	h.logger.Warn("query failed",
		zap.String("capability", def.Name),
		zap.String("connection", conn.Name),
		zap.Error(err),
	)
	return types.NewError(types.ErrUpstream, fmt.Sprintf("query on %s failed", conn.Name)).WithCause(err)
}

func isRead(query string) bool {
	q := strings.ToLower(strings.TrimLeft(query, " \t\r\n("))
	for _, p := range readPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}

// encodeRows renders rows as JSON; driver byte slices become strings.
func encodeRows(rows []map[string]any) (string, error) {
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, row := range rows {
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(out), nil
}
