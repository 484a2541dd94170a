package database

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/types"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =============================================================================
// 🔌 方言选择
// =============================================================================

// Dialector 根据连接种类构造 GORM 方言。sqlite 使用纯 Go 的 glebarez 驱动。
func Dialector(kind, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(kind) {
	case types.ConnPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case types.ConnMySQL:
		return mysql.Open(dsn), nil
	case types.ConnSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, types.NewConfigError("kind", fmt.Sprintf("unsupported database kind %q", kind))
	}
}

// Open 打开一个静默日志的 GORM 连接
func Open(kind, dsn string) (*gorm.DB, error) {
	d, err := Dialector(kind, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", kind, err)
	}
	return db, nil
}

// =============================================================================
// 📚 按连接缓存的连接池
// =============================================================================

// OpenFunc 打开数据库，测试中可替换为 sqlmock
type OpenFunc func(kind, dsn string) (*gorm.DB, error)

// Pools 为每个连接（ID + DSN）维护一个 PoolManager。DSN 变化后会打开新的连接池。
type Pools struct {
	mu      sync.Mutex
	pools   map[string]*PoolManager
	config  PoolConfig
	open    OpenFunc
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewPools 创建连接池集合；open 为 nil 时使用 Open。
func NewPools(config PoolConfig, open OpenFunc, collector *metrics.Collector, logger *zap.Logger) *Pools {
	if open == nil {
		open = Open
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pools{
		pools:   make(map[string]*PoolManager),
		config:  config,
		open:    open,
		logger:  logger,
		metrics: collector,
	}
}

// Get 返回连接对应的连接池，首次访问时打开。连接内容需包含 dsn。
func (p *Pools) Get(ctx context.Context, conn *types.Connection) (*PoolManager, error) {
	dsn, err := conn.Require("dsn")
	if err != nil {
		return nil, err
	}
	key := conn.ID + "|" + conn.Kind + "|" + dsn

	p.mu.Lock()
	defer p.mu.Unlock()

	if pm, ok := p.pools[key]; ok {
		return pm, nil
	}

	db, err := p.open(conn.Kind, dsn)
	if err != nil {
		return nil, err
	}
	pm, err := newPoolManager(conn.Name, db, p.config, p.logger, p.metrics)
	if err != nil {
		return nil, err
	}
	if err := pm.Ping(ctx); err != nil {
		_ = pm.Close()
		return nil, types.NewError(types.ErrUpstream, "database unreachable").WithCause(err).WithRetryable(true)
	}
	p.pools[key] = pm
	return pm, nil
}

// Close 关闭全部连接池
func (p *Pools) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, pm := range p.pools {
		if err := pm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.pools, key)
	}
	return firstErr
}
