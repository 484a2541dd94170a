package durable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/script/deps"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// ArtifactName is the file name of a compiled unit inside its workspace.
const ArtifactName = "unit"

// Unit is one durable source ready to compile.
type Unit struct {
	// Key addresses the artifact: source hash combined with the dependency set hash.
	Key string
	// Source is the directive-stripped user code.
	Source string
	// EntryType names the type whose Run method is the entry point.
	EntryType string
	// Libraries are the resolved dependencies.
	Libraries []deps.Library
}

// Builder compiles a prepared workspace into output.
// Compiler diagnostics are reported as *types.CompilationError.
type Builder interface {
	Build(ctx context.Context, dir, output string) error
}

// =============================================================================
// 🔨 go build
// =============================================================================

// GoBuilder runs the go toolchain with the proxy disabled.
type GoBuilder struct {
	Binary  string
	Timeout time.Duration
}

// buildEnv pins module resolution to the generated go.mod.
var buildEnv = []string{
	"GOPROXY=off",
	"GOFLAGS=-mod=mod",
	"GOWORK=off",
	"GOSUMDB=off",
}

// Build runs "go build -o output ." in dir.
func (b GoBuilder) Build(ctx context.Context, dir, output string) error {
	bin := b.Binary
	if bin == "" {
		bin = "go"
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, "build", "-trimpath", "-o", output, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), buildEnv...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &types.CompilationError{Diagnostics: []types.Diagnostic{{
				Message: fmt.Sprintf("build timed out after %s", b.Timeout),
			}}}
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("run %s: %w", bin, err)
		}
		return &types.CompilationError{Diagnostics: ParseDiagnostics(stderr.String())}
	}
	return nil
}

var diagnosticLine = regexp.MustCompile(`^(?:\./)?([^:\s][^:]*\.go):(\d+)(?::(\d+))?: (.+)$`)

// ParseDiagnostics extracts "file:line:col: message" lines from compiler output.
// Output without any such line becomes a single diagnostic carrying all of it.
func ParseDiagnostics(output string) []types.Diagnostic {
	var out []types.Diagnostic
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		d := types.Diagnostic{File: m[1], Message: m[4]}
		d.Line, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			d.Column, _ = strconv.Atoi(m[3])
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		msg := strings.TrimSpace(output)
		if msg == "" {
			msg = "build failed"
		}
		out = append(out, types.Diagnostic{Message: msg})
	}
	return out
}

// =============================================================================
// 📦 编译器
// =============================================================================

// Compiler turns units into artifacts under <TempRoot>/<key>/unit.
type Compiler struct {
	root    string
	builder Builder
	host    func() []HostModule
	metrics *metrics.Collector
	logger  *zap.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithBuilder replaces the go toolchain builder.
func WithBuilder(b Builder) CompilerOption {
	return func(c *Compiler) { c.builder = b }
}

// WithHostModules replaces the host module lookup.
func WithHostModules(fn func() []HostModule) CompilerOption {
	return func(c *Compiler) { c.host = fn }
}

// WithCompilerMetrics records compilation metrics.
func WithCompilerMetrics(m *metrics.Collector) CompilerOption {
	return func(c *Compiler) { c.metrics = m }
}

// NewCompiler creates a compiler writing workspaces under root.
func NewCompiler(root string, logger *zap.Logger, opts ...CompilerOption) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	c := &Compiler{
		root:    root,
		builder: GoBuilder{Binary: "go", Timeout: 2 * time.Minute},
		host:    HostModules,
		logger:  logger.With(zap.String("component", "durable_compiler")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ArtifactPath returns where the artifact of key lives.
func (c *Compiler) ArtifactPath(key string) string {
	return filepath.Join(c.root, key, ArtifactName)
}

// Compile returns the artifact of u, building it unless a non-empty artifact
// already exists. Once started, a build is not cancelled by ctx.
func (c *Compiler) Compile(ctx context.Context, u Unit) (artifact string, cached bool, err error) {
	artifact = c.ArtifactPath(u.Key)
	if fi, err := os.Stat(artifact); err == nil && fi.Size() > 0 {
		c.metrics.RecordCacheHit("durable_artifact")
		return artifact, true, nil
	}
	c.metrics.RecordCacheMiss("durable_artifact")

	ctx, span := telemetry.StartSpan(context.WithoutCancel(ctx), "script", "durable.compile", "key", u.Key)
	start := time.Now()
	defer func() {
		c.metrics.RecordCompilation("durable", metrics.Status(err), time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	dir := filepath.Dir(artifact)
	if err := c.prepare(dir, u); err != nil {
		return "", false, fmt.Errorf("prepare workspace %s: %w", dir, err)
	}

	tmp := artifact + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	defer os.Remove(tmp)
	if err := c.builder.Build(ctx, dir, tmp); err != nil {
		var ce *types.CompilationError
		if errors.As(err, &ce) {
			ce.SourceHash = u.Key
			c.logger.Warn("unit compilation failed",
				zap.String("key", u.Key),
				zap.Int("diagnostics", len(ce.Diagnostics)),
			)
		}
		return "", false, err
	}
	// racing builds of the same key produce equivalent artifacts
	if err := os.Rename(tmp, artifact); err != nil {
		return "", false, err
	}

	c.logger.Info("unit compiled",
		zap.String("key", u.Key),
		zap.Int("libraries", len(u.Libraries)),
		zap.Duration("duration", time.Since(start)),
	)
	return artifact, false, nil
}

// prepare writes unit.go, main.go and go.mod into dir.
func (c *Compiler) prepare(dir string, u Unit) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	src, err := asMainPackage(u.Source)
	if err != nil {
		return &types.CompilationError{SourceHash: u.Key, Diagnostics: []types.Diagnostic{{
			File: "unit.go", Message: err.Error(),
		}}}
	}
	harness, err := renderHarness(u.EntryType)
	if err != nil {
		return err
	}
	gomod, err := renderGoMod(u.Libraries, c.host())
	if err != nil {
		return err
	}

	files := map[string][]byte{
		"unit.go": []byte(src),
		"main.go": harness,
		"go.mod":  gomod,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
