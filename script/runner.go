package script

import (
	"context"
	"path/filepath"
	"time"

	"github.com/BaSui01/capflow/config"
	"github.com/BaSui01/capflow/internal/cache"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/script/deps"
	"github.com/BaSui01/capflow/script/durable"
	"github.com/BaSui01/capflow/script/env"
	"github.com/BaSui01/capflow/script/quick"
	"go.uber.org/zap"
)

// DefaultEntryType is the durable entry type used when none is configured.
const DefaultEntryType = "Script"

// Runner compiles and runs dynamic code in either mode.
type Runner struct {
	cfg      config.ScriptConfig
	resolver *deps.Resolver
	compiler *durable.Compiler
	units    *durable.Runner
	quick    *quick.Engine
	commands *Commands
	metrics  *metrics.Collector
	logger   *zap.Logger
}

type options struct {
	metrics      *metrics.Collector
	versionCache *cache.Manager
	builder      durable.Builder
	launcher     durable.Launcher
	commands     *Commands
	indexOpts    []deps.IndexOption
}

// Option configures a Runner.
type Option func(*options)

// WithMetrics records compilation and resolution metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithVersionCache shares version lists through Redis.
func WithVersionCache(m *cache.Manager) Option {
	return func(o *options) { o.versionCache = m }
}

// WithBuilder replaces the go toolchain builder.
func WithBuilder(b durable.Builder) Option {
	return func(o *options) { o.builder = b }
}

// WithLauncher replaces the process launcher.
func WithLauncher(l durable.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithCommands replaces the process-wide command runner.
func WithCommands(c *Commands) Option {
	return func(o *options) { o.commands = c }
}

// WithIndexOptions passes options to the package index client.
func WithIndexOptions(opts ...deps.IndexOption) Option {
	return func(o *options) { o.indexOpts = append(o.indexOpts, opts...) }
}

// NewRunner wires the resolver, both compilers and the process runner from cfg.
func NewRunner(cfg config.ScriptConfig, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.DefaultScriptConfig()
	if cfg.TempRoot == "" {
		cfg.TempRoot = def.TempRoot
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = def.CacheDir
	}
	if cfg.ProxyURL == "" {
		cfg.ProxyURL = def.ProxyURL
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = def.GoBinary
	}
	if cfg.EntryType == "" {
		cfg.EntryType = DefaultEntryType
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	indexOpts := []deps.IndexOption{deps.WithRateLimit(cfg.IndexRPS)}
	if o.versionCache != nil {
		indexOpts = append(indexOpts, deps.WithVersionCache(o.versionCache, cfg.VersionCacheTTL))
	}
	indexOpts = append(indexOpts, o.indexOpts...)
	index := deps.NewIndex(cfg.ProxyURL, logger, indexOpts...)

	resolver := deps.NewResolver(deps.Config{
		CacheDir:  cfg.CacheDir,
		NativeDir: cfg.NativeDir,
	}, index, logger, deps.WithMetrics(o.metrics))

	builder := o.builder
	if builder == nil {
		builder = durable.GoBuilder{Binary: cfg.GoBinary, Timeout: cfg.BuildTimeout}
	}
	compiler := durable.NewCompiler(cfg.TempRoot, logger,
		durable.WithBuilder(builder),
		durable.WithCompilerMetrics(o.metrics),
	)

	engine, err := quick.NewEngine(quick.Config{
		CacheLimit: cfg.QuickCacheLimit,
		GoPathRoot: filepath.Join(cfg.CacheDir, "gopath"),
	}, logger, quick.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}

	commands := o.commands
	if commands == nil {
		commands = SharedCommands
	}

	return &Runner{
		cfg:      cfg,
		resolver: resolver,
		compiler: compiler,
		units:    durable.NewRunner(o.launcher, logger),
		quick:    engine,
		commands: commands,
		metrics:  o.metrics,
		logger:   logger.With(zap.String("component", "script_runner")),
	}, nil
}

// Run compiles code if needed and runs it once.
//
// Order: directives are extracted, setup commands run, dependencies resolve,
// then the code is compiled (or fetched from cache) and executed. entryType
// overrides the configured entry type when non-empty.
func (r *Runner) Run(ctx context.Context, code, entryType string, inv env.Invocation) (out string, err error) {
	if entryType == "" {
		entryType = r.cfg.EntryType
	}
	start := time.Now()

	src, err := Parse(code)
	if err != nil {
		return "", err
	}
	mode := DetectMode(src.Code, entryType)

	ctx, span := telemetry.StartSpan(ctx, "script", "script.run",
		"mode", string(mode),
		"source_hash", src.Hash,
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := r.commands.Run(ctx, src.Commands); err != nil {
		return "", err
	}

	set, err := r.resolver.Resolve(ctx, src.Requests)
	if err != nil {
		return "", err
	}
	for _, w := range set.Warnings {
		r.logger.Warn("dependency warning", zap.String("source_hash", src.Hash), zap.String("warning", w))
	}

	key := UnitKey(src, set.Hash)
	switch mode {
	case ModeDurable:
		var artifact string
		artifact, _, err = r.compiler.Compile(ctx, durable.Unit{
			Key:       key,
			Source:    src.Code,
			EntryType: entryType,
			Libraries: set.Libraries,
		})
		if err != nil {
			return "", err
		}
		out, err = r.units.Execute(ctx, artifact, inv)
	default:
		var s *quick.Script
		s, _, err = r.quick.Compile(ctx, key, src.Code, set)
		if err != nil {
			return "", err
		}
		out, err = r.quick.Execute(ctx, s, inv)
	}
	if err != nil {
		return "", err
	}

	r.logger.Debug("code ran",
		zap.String("mode", string(mode)),
		zap.String("key", key),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// Resolver exposes the dependency resolver.
func (r *Runner) Resolver() *deps.Resolver { return r.resolver }

// Commands exposes the setup command runner.
func (r *Runner) Commands() *Commands { return r.commands }

// Preflight resolves the dependencies of code and compiles it without running.
func (r *Runner) Preflight(ctx context.Context, code, entryType string) (Mode, error) {
	if entryType == "" {
		entryType = r.cfg.EntryType
	}
	src, err := Parse(code)
	if err != nil {
		return "", err
	}
	set, err := r.resolver.Resolve(ctx, src.Requests)
	if err != nil {
		return "", err
	}
	key := UnitKey(src, set.Hash)
	mode := DetectMode(src.Code, entryType)
	if mode == ModeDurable {
		_, _, err = r.compiler.Compile(ctx, durable.Unit{Key: key, Source: src.Code, EntryType: entryType, Libraries: set.Libraries})
	} else {
		_, _, err = r.quick.Compile(ctx, key, src.Code, set)
	}
	if err != nil {
		return "", err
	}
	return mode, nil
}
