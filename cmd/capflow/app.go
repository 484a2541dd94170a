package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/capflow/capabilities/code"
	"github.com/BaSui01/capflow/capabilities/composite"
	"github.com/BaSui01/capflow/capabilities/dbquery"
	"github.com/BaSui01/capflow/capabilities/discord"
	"github.com/BaSui01/capflow/capabilities/ethereum"
	"github.com/BaSui01/capflow/capabilities/llmprompt"
	"github.com/BaSui01/capflow/capabilities/matrix"
	"github.com/BaSui01/capflow/capabilities/mcptool"
	"github.com/BaSui01/capflow/capabilities/mongoquery"
	"github.com/BaSui01/capflow/capabilities/mq"
	"github.com/BaSui01/capflow/capabilities/rediscmd"
	"github.com/BaSui01/capflow/capabilities/restapi"
	"github.com/BaSui01/capflow/capabilities/vectorsearch"
	"github.com/BaSui01/capflow/capabilities/wsmessage"
	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/config"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/internal/cache"
	"github.com/BaSui01/capflow/internal/database"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/pool"
	"github.com/BaSui01/capflow/internal/store"
	"github.com/BaSui01/capflow/script"
	"github.com/BaSui01/capflow/types"
)

// =============================================================================
// 🧩 App：能力运行时的装配
// =============================================================================

// App 持有一次进程生命周期内共享的能力运行时
type App struct {
	Library  *capability.Library
	Registry *capability.Registry
	Invoker  *capability.Invoker
	Metrics  *metrics.Collector

	loader  capability.Loader
	workers *pool.GoroutinePool
	closers []func(context.Context) error
	logger  *zap.Logger
}

// newApp 加载能力库并注册全部能力类型。collector 可为 nil
func newApp(ctx context.Context, cfg *config.Config, loader capability.Loader, collector *metrics.Collector, logger *zap.Logger) (*App, error) {
	snap, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load capability library: %w", err)
	}

	a := &App{
		Library:  capability.NewLibrary(snap, logger),
		Registry: capability.NewRegistry(logger),
		Metrics:  collector,
		loader:   loader,
		logger:   logger,
	}
	a.workers = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: cfg.Pool.MaxWorkers,
		QueueSize:  cfg.Pool.QueueSize,
		Logger:     logger,
	})
	a.onClose(func(context.Context) error { a.workers.Close(); return nil })

	a.Invoker = capability.NewInvoker(a.Registry, a.Library,
		capability.WithPool(a.workers),
		capability.WithMetrics(collector),
		capability.WithLogger(logger),
	)

	if err := a.registerHandlers(cfg); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// registerHandlers 为每种能力类型注册处理器
func (a *App) registerHandlers(cfg *config.Config) error {
	logger := a.logger
	resolver := connection.NewResolver(a.Library, logger)

	var versions *cache.Manager
	if cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		cacheCfg.KeyPrefix = cfg.Redis.KeyPrefix
		cacheCfg.PoolSize = cfg.Redis.PoolSize
		m, err := cache.NewManager(cacheCfg, logger)
		if err != nil {
			logger.Warn("redis unavailable, package version cache disabled", zap.Error(err))
		} else {
			versions = m
			a.onClose(func(context.Context) error { return m.Close() })
		}
	}

	runner, err := script.NewRunner(cfg.Script, logger,
		script.WithMetrics(a.Metrics),
		script.WithVersionCache(versions),
	)
	if err != nil {
		return fmt.Errorf("init script runner: %w", err)
	}

	dbHandler := dbquery.New(resolver,
		dbquery.WithLogger(logger),
		dbquery.WithMetrics(a.Metrics),
		dbquery.WithPools(database.NewPools(poolConfig(cfg.Database), nil, a.Metrics, logger)),
	)
	a.onClose(func(context.Context) error { return dbHandler.Close() })

	mongoHandler := mongoquery.New(resolver, logger)
	a.onClose(mongoHandler.Close)

	redisHandler := rediscmd.New(resolver, logger)
	a.onClose(func(context.Context) error { return redisHandler.Close() })

	mqHandler := mq.New(resolver, mq.WithLogger(logger))
	a.onClose(func(context.Context) error { return mqHandler.Close() })

	ethHandler := ethereum.New(resolver, logger)
	a.onClose(func(context.Context) error { ethHandler.Close(); return nil })

	r := a.Registry
	r.Register(types.KindRESTAPI, restapi.New(resolver, restapi.WithLogger(logger)))
	r.Register(types.KindDatabaseQuery, dbHandler)
	r.Register(types.KindMongoQuery, mongoHandler)
	r.Register(types.KindRedisCommand, redisHandler)
	r.Register(types.KindVectorSearch, vectorsearch.New(resolver, vectorsearch.WithLogger(logger)))
	r.Register(types.KindLLMPrompt, llmprompt.New(resolver,
		llmprompt.WithMetrics(a.Metrics),
		llmprompt.WithLogger(logger),
	))
	r.Register(types.KindMessageQueue, mqHandler)
	r.Register(types.KindWebSocket, wsmessage.New(resolver, nil, logger))
	r.Register(types.KindMCPTool, mcptool.New(resolver, mcptool.WithLogger(logger)))
	r.Register(types.KindDiscordMessage, discord.New(resolver, nil, logger))
	r.Register(types.KindMatrixMessage, matrix.New(resolver, logger))
	r.Register(types.KindEthereumQuery, ethHandler)
	r.Register(types.KindCode, code.New(runner, a.Invoker, logger))
	r.Register(types.KindComposite, composite.New(a.Invoker, resolver,
		composite.WithPlannerConfig(cfg.Planner),
		composite.WithMetrics(a.Metrics),
		composite.WithLogger(logger),
	))
	return nil
}

// Reload 重新加载能力库
func (a *App) Reload(ctx context.Context) error {
	return a.Library.Reload(ctx, a.loader)
}

// Close 按注册的逆序释放资源
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func poolConfig(dbCfg config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 && dbCfg.MaxIdleConns <= pc.MaxOpenConns {
		pc.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	return pc
}

// =============================================================================
// 📚 能力库来源
// =============================================================================

// libraryLoader 根据配置选择能力库来源：YAML/JSON 文件或关系数据库
func libraryLoader(cfg *config.Config, logger *zap.Logger) (capability.Loader, *gorm.DB, error) {
	switch cfg.Library.Source {
	case "database":
		db, err := openDatabase(cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRepository(db, logger), db, nil
	default:
		return capability.FileLoader{Path: cfg.Library.Path}, nil, nil
	}
}

// openDatabase 根据配置打开数据库连接
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	db, err := database.Open(dbCfg.Driver, dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	logger.Info("Database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
