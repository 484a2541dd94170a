package quick

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/script/deps"
	"github.com/BaSui01/capflow/script/env"
	"github.com/BaSui01/capflow/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// Symbols exposes the Env API to interpreted code.
var Symbols = interp.Exports{
	envImportPath + "/env": {
		"Env":      reflect.ValueOf((*env.Env)(nil)),
		"Request":  reflect.ValueOf((*env.Request)(nil)),
		"Response": reflect.ValueOf((*env.Response)(nil)),
	},
}

// RunFunc is the compiled entry point of a snippet.
type RunFunc func(*env.Env) (any, error)

// Script is a compiled snippet.
type Script struct {
	Key string
	run RunFunc
}

// Config holds engine settings.
type Config struct {
	// CacheLimit bounds the number of compiled scripts kept. 0 keeps all of them.
	CacheLimit int
	// GoPathRoot holds one GOPATH per dependency set.
	GoPathRoot string
}

// Engine compiles snippets with yaegi once per key and reuses them.
type Engine struct {
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	all     map[string]*Script
	bounded *lru.Cache[string, *Script]
	gopaths map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records compilation metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a quick-mode engine.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GoPathRoot == "" {
		cfg.GoPathRoot = filepath.Join(os.TempDir(), "capflow", "gopath")
	}
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "quick_engine")),
		all:     make(map[string]*Script),
		gopaths: make(map[string]string),
	}
	if cfg.CacheLimit > 0 {
		c, err := lru.New[string, *Script](cfg.CacheLimit)
		if err != nil {
			return nil, fmt.Errorf("create script cache: %w", err)
		}
		e.bounded = c
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) lookup(key string) (*Script, bool) {
	if e.bounded != nil {
		return e.bounded.Get(key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.all[key]
	return s, ok
}

func (e *Engine) store(s *Script) {
	if e.bounded != nil {
		e.bounded.Add(s.Key, s)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all[s.Key] = s
}

// Len returns the number of cached scripts.
func (e *Engine) Len() int {
	if e.bounded != nil {
		return e.bounded.Len()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.all)
}

// Compile returns the script for key, compiling code on first use.
func (e *Engine) Compile(ctx context.Context, key, code string, set *deps.Set) (_ *Script, cached bool, err error) {
	if s, ok := e.lookup(key); ok {
		e.metrics.RecordCacheHit("quick_script")
		return s, true, nil
	}
	e.metrics.RecordCacheMiss("quick_script")

	_, span := telemetry.StartSpan(ctx, "script", "quick.compile", "key", key)
	start := time.Now()
	defer func() {
		e.metrics.RecordCompilation("quick", metrics.Status(err), time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	gopath, err := e.gopath(set)
	if err != nil {
		return nil, false, err
	}
	run, err := compile(wrap(code), gopath, key)
	if err != nil {
		return nil, false, err
	}

	s := &Script{Key: key, run: run}
	e.store(s)
	e.logger.Debug("snippet compiled", zap.String("key", key), zap.Duration("duration", time.Since(start)))
	return s, false, nil
}

func compile(w wrapped, gopath, key string) (run RunFunc, err error) {
	fail := func(cause error) error {
		return &types.CompilationError{SourceHash: key, Diagnostics: w.diagnostics(cause)}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fail(fmt.Errorf("%v", r))
		}
	}()

	i := interp.New(interp.Options{GoPath: gopath})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, err
	}
	if err := i.Use(Symbols); err != nil {
		return nil, err
	}
	if _, err := i.Eval(w.source); err != nil {
		return nil, fail(err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fail(err)
	}
	fn, ok := v.Interface().(func(*env.Env) (any, error))
	if !ok {
		return nil, fail(fmt.Errorf("unexpected entry point type %s", v.Type()))
	}
	return fn, nil
}

// gopath lays out <GoPathRoot>/<set hash>/src/<module> links to the extracted libraries.
func (e *Engine) gopath(set *deps.Set) (string, error) {
	if set == nil || len(set.Libraries) == 0 {
		return "", nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.gopaths[set.Hash]; ok {
		return p, nil
	}

	root := filepath.Join(e.cfg.GoPathRoot, set.Hash)
	for _, lib := range set.Libraries {
		link := filepath.Join(root, "src", filepath.FromSlash(lib.Path))
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return "", err
		}
		if err := os.Symlink(lib.Dir, link); err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("link %s into GOPATH: %w", lib.Path, err)
		}
	}
	e.gopaths[set.Hash] = root
	return root, nil
}

// Execute runs s with fresh bindings. Errors and panics raised by the
// snippet come back as *types.UserCodeError.
func (e *Engine) Execute(ctx context.Context, s *Script, inv env.Invocation) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.UserCodeError{Outer: "script panicked", Inner: fmt.Sprint(r)}
		}
		if err != nil {
			if uce, ok := err.(*types.UserCodeError); ok {
				e.logger.Error("script failed",
					zap.String("key", s.Key),
					zap.String("outer", uce.Outer),
					zap.String("inner", uce.Inner),
				)
			}
		}
	}()

	v, runErr := s.run(env.New(ctx, inv))
	if runErr != nil {
		return "", &types.UserCodeError{Outer: "script returned an error", Inner: runErr.Error(), Cause: runErr}
	}
	return text(v), nil
}
