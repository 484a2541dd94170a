package deps

import (
	"context"
	"errors"
	"fmt"
	gover "go/version"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/types"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Library is one resolved module extracted on disk.
type Library struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Dir     string `json:"dir"`
}

// Set is the resolved dependency closure of one request list.
type Set struct {
	// Hash identifies the request list the set was resolved from.
	Hash      string    `json:"hash"`
	Libraries []Library `json:"libraries"`
	// Native lists the native binaries copied beside the executable.
	Native   []string `json:"native,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Config holds resolver settings.
type Config struct {
	// CacheDir holds download/ and lib/.
	CacheDir string
	// NativeDir receives native binaries. Defaults to native/ beside the executable.
	NativeDir string
	// GoVersion is the toolchain modules must not be newer than. Defaults to runtime.Version().
	GoVersion string
	// Concurrency bounds parallel sibling resolution and downloads.
	Concurrency int
}

// Resolver turns fetch-package requests into an on-disk library set.
type Resolver struct {
	cfg     Config
	index   *Index
	metrics *metrics.Collector
	logger  *zap.Logger

	mu   sync.RWMutex
	sets map[string]*Set

	mods  sync.Map // path@version -> *modfile.File
	group singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMetrics records resolution metrics.
func WithMetrics(c *metrics.Collector) ResolverOption {
	return func(r *Resolver) { r.metrics = c }
}

// NewResolver creates a resolver reading from index.
func NewResolver(cfg Config, index *Index, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GoVersion == "" {
		cfg.GoVersion = runtime.Version()
	}
	if !strings.HasPrefix(cfg.GoVersion, "go") {
		cfg.GoVersion = "go" + cfg.GoVersion
	}
	if cfg.NativeDir == "" {
		cfg.NativeDir = defaultNativeDir()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	r := &Resolver{
		cfg:    cfg,
		index:  index,
		logger: logger.With(zap.String("component", "dependency_resolver")),
		sets:   make(map[string]*Set),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultNativeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join(os.TempDir(), "capflow", "native")
	}
	return filepath.Join(filepath.Dir(exe), "native")
}

// RequestHash identifies a request list independent of its order.
func RequestHash(reqs []Request) string {
	keys := make([]string, 0, len(reqs))
	for _, r := range reqs {
		keys = append(keys, r.Path+"\x00"+r.Range+"\x00"+strconv.FormatBool(r.Optional))
	}
	sort.Strings(keys)
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(keys, "\n")), 16)
}

// Cached returns a previously resolved set.
func (r *Resolver) Cached(hash string) (*Set, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sets[hash]
	return s, ok
}

// Resolve resolves reqs and their transitive requirements. The result is
// cached by request hash and concurrent identical calls share one resolution.
// A required module missing from the index fails with a DependencyResolutionError
// after every sibling has been attempted.
func (r *Resolver) Resolve(ctx context.Context, reqs []Request) (*Set, error) {
	hash := RequestHash(reqs)
	if len(reqs) == 0 {
		return &Set{Hash: hash}, nil
	}
	if s, ok := r.Cached(hash); ok {
		r.metrics.RecordCacheHit("dependency_set")
		return s, nil
	}
	r.metrics.RecordCacheMiss("dependency_set")

	v, err, _ := r.group.Do(hash, func() (any, error) {
		if s, ok := r.Cached(hash); ok {
			return s, nil
		}
		s, err := r.resolve(ctx, hash, reqs)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sets[hash] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		r.metrics.RecordDependencyResolution("error")
		return nil, err
	}
	r.metrics.RecordDependencyResolution("success")
	return v.(*Set), nil
}

// walk is the shared state of one resolution.
type walk struct {
	mu       sync.Mutex
	visited  map[string]bool   // path@version
	selected map[string]string // path -> highest version seen
	warnings []string
	failures []error
}

func (w *walk) visit(path, version string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := path + "@" + version
	if w.visited[key] {
		return false
	}
	w.visited[key] = true
	if cur, ok := w.selected[path]; !ok || semver.Compare(version, cur) > 0 {
		w.selected[path] = version
	}
	return true
}

func (w *walk) warn(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warnings = append(w.warnings, msg)
}

func (w *walk) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = append(w.failures, err)
}

func (r *Resolver) resolve(ctx context.Context, hash string, reqs []Request) (_ *Set, err error) {
	ctx, span := telemetry.StartSpan(ctx, "script", "deps.resolve", "request_hash", hash)
	defer func() { telemetry.EndSpan(span, err) }()

	w := &walk{visited: make(map[string]bool), selected: make(map[string]string)}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, req := range reqs {
		g.Go(func() error {
			r.resolveRoot(ctx, w, req)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch len(w.failures) {
	case 0:
	case 1:
		return nil, w.failures[0]
	default:
		return nil, types.NewError(types.ErrDependencyResolution,
			fmt.Sprintf("%d required packages could not be resolved", len(w.failures))).
			WithCause(errors.Join(w.failures...))
	}

	set := &Set{Hash: hash, Warnings: w.warnings}
	paths := make([]string, 0, len(w.selected))
	for p := range w.selected {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	set.Libraries = make([]Library, len(paths))

	var dl errgroup.Group
	dl.SetLimit(r.cfg.Concurrency)
	for n, p := range paths {
		v := w.selected[p]
		dl.Go(func() error {
			dir, err := r.fetch(ctx, p, v)
			if err != nil {
				return types.NewDependencyError(p, v, err)
			}
			set.Libraries[n] = Library{Path: p, Version: v, Dir: dir}
			return nil
		})
	}
	if err := dl.Wait(); err != nil {
		return nil, err
	}

	for _, lib := range set.Libraries {
		copied, err := r.copyNative(lib)
		if err != nil {
			return nil, fmt.Errorf("copy native binaries of %s: %w", lib.Path, err)
		}
		set.Native = append(set.Native, copied...)
	}

	r.logger.Info("dependencies resolved",
		zap.String("request_hash", hash),
		zap.Int("requests", len(reqs)),
		zap.Int("libraries", len(set.Libraries)),
		zap.Int("native", len(set.Native)),
		zap.Int("warnings", len(set.Warnings)),
	)
	return set, nil
}

// resolveRoot resolves one directive and walks its requirements.
func (r *Resolver) resolveRoot(ctx context.Context, w *walk, req Request) {
	rng, err := ParseRange(req.Range)
	if err != nil {
		r.missing(w, req, err)
		return
	}

	v, warning, err := r.bestVersion(ctx, req.Path, rng)
	if err != nil {
		r.missing(w, req, err)
		return
	}
	if warning != "" {
		w.warn(warning)
		r.logger.Warn(warning, zap.String("path", req.Path), zap.String("range", rng.String()))
	}
	r.walkModule(ctx, w, req.Path, v, req.Optional)
}

// walkModule records path@version and recurses into its go.mod requirements.
func (r *Resolver) walkModule(ctx context.Context, w *walk, path, version string, optional bool) {
	if ctx.Err() != nil || !w.visit(path, version) {
		return
	}
	mf, err := r.modFile(ctx, path, version)
	if err != nil {
		r.missing(w, Request{Path: path, Range: version, Optional: optional}, err)
		return
	}
	for _, req := range mf.Require {
		r.walkModule(ctx, w, req.Mod.Path, req.Mod.Version, optional)
	}
}

// missing records an unresolvable request: a failure when required, a warning otherwise.
func (r *Resolver) missing(w *walk, req Request, cause error) {
	if req.Optional {
		msg := fmt.Sprintf("optional package %s skipped: %v", req, cause)
		w.warn(msg)
		r.logger.Warn("optional package skipped", zap.String("path", req.Path), zap.Error(cause))
		return
	}
	w.fail(types.NewDependencyError(req.Path, req.Range, cause))
}

// bestVersion picks the newest listed version that satisfies rng and whose go
// directive the toolchain supports. With no such version it falls back to the
// newest release and reports a warning.
func (r *Resolver) bestVersion(ctx context.Context, path string, rng VersionRange) (string, string, error) {
	listed, err := r.index.Versions(ctx, path)
	if err != nil {
		return "", "", err
	}
	sorted := sortDescending(listed)
	if len(sorted) == 0 {
		return "", "", fmt.Errorf("%s: %w", path, ErrModuleNotFound)
	}

	for _, v := range sorted {
		if !rng.Allows(v) {
			continue
		}
		mf, err := r.modFile(ctx, path, v)
		if err != nil {
			if errors.Is(err, ErrModuleNotFound) {
				continue
			}
			return "", "", err
		}
		if r.compatible(mf) {
			return v, "", nil
		}
	}

	latest := newestRelease(sorted)
	return latest, fmt.Sprintf("no version of %s satisfies %s; using latest %s", path, rng, latest), nil
}

// compatible reports whether the module's go directive is not newer than the toolchain.
func (r *Resolver) compatible(mf *modfile.File) bool {
	if mf.Go == nil || mf.Go.Version == "" {
		return true
	}
	want := "go" + mf.Go.Version
	if !gover.IsValid(want) || !gover.IsValid(r.cfg.GoVersion) {
		return true
	}
	return gover.Compare(want, r.cfg.GoVersion) <= 0
}

func (r *Resolver) modFile(ctx context.Context, path, version string) (*modfile.File, error) {
	key := path + "@" + version
	if mf, ok := r.mods.Load(key); ok {
		return mf.(*modfile.File), nil
	}
	data, err := r.index.GoMod(ctx, path, version)
	if err != nil {
		return nil, err
	}
	mf, err := modfile.ParseLax(key+"/go.mod", data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse go.mod of %s: %w", key, err)
	}
	r.mods.Store(key, mf)
	return mf, nil
}
