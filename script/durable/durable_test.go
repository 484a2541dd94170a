package durable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BaSui01/capflow/script/deps"
	"github.com/BaSui01/capflow/script/env"
	"github.com/BaSui01/capflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

// fakeBuilder writes a stub artifact and counts builds.
type fakeBuilder struct {
	mu   sync.Mutex
	dirs []string
	err  error
}

func (b *fakeBuilder) Build(_ context.Context, dir, output string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs = append(b.dirs, dir)
	if b.err != nil {
		return b.err
	}
	return os.WriteFile(output, []byte("#!stub"), 0o755)
}

func (b *fakeBuilder) builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dirs)
}

// fakeUnit plays the child side of the protocol.
type fakeUnit func(in *json.Decoder, out *json.Encoder)

// fakeLauncher runs a fresh fakeUnit per launch over in-memory pipes.
type fakeLauncher struct {
	newUnit   func() fakeUnit
	launchErr error

	mu       sync.Mutex
	launched int
	released int
}

func (l *fakeLauncher) Launch(_ context.Context, _ string) (Process, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	toR, toW := io.Pipe()
	fromR, fromW := io.Pipe()
	unit := l.newUnit()
	go func() {
		unit(json.NewDecoder(toR), json.NewEncoder(fromW))
		fromW.Close()
	}()

	l.mu.Lock()
	l.launched++
	l.mu.Unlock()
	return &fakeProcess{l: l, toR: toR, toW: toW, fromR: fromR}, nil
}

func (l *fakeLauncher) counts() (launched, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched, l.released
}

type fakeProcess struct {
	l     *fakeLauncher
	toR   *io.PipeReader
	toW   *io.PipeWriter
	fromR *io.PipeReader
	once  sync.Once
}

func (p *fakeProcess) Input() io.Writer  { return p.toW }
func (p *fakeProcess) Output() io.Reader { return p.fromR }
func (p *fakeProcess) Logs() string      { return "" }

func (p *fakeProcess) Release() error {
	p.once.Do(func() {
		p.toW.Close()
		p.toR.Close()
		p.fromR.Close()
		p.l.mu.Lock()
		p.l.released++
		p.l.mu.Unlock()
	})
	return nil
}

const scriptSource = `package scripts

import "strings"

type Script struct{}

func (s *Script) Run(env *Env) (any, error) {
	return strings.ToUpper(env.Param(1)), nil
}
`

func newTestCompiler(t *testing.T, b Builder) *Compiler {
	t.Helper()
	return NewCompiler(t.TempDir(), zap.NewNop(),
		WithBuilder(b),
		WithHostModules(func() []HostModule { return nil }),
	)
}

// =============================================================================
// 🧪 Compiler 测试
// =============================================================================

func TestCompiler_IdenticalSourceCompilesOnce(t *testing.T) {
	b := &fakeBuilder{}
	c := newTestCompiler(t, b)
	u := Unit{Key: "abc123", Source: scriptSource, EntryType: "Script"}

	first, cached, err := c.Compile(context.Background(), u)
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := c.Compile(context.Background(), u)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, b.builds())
}

func TestCompiler_DistinctKeysDoNotCollide(t *testing.T) {
	b := &fakeBuilder{}
	c := newTestCompiler(t, b)

	a, _, err := c.Compile(context.Background(), Unit{Key: "aaa", Source: scriptSource, EntryType: "Script"})
	require.NoError(t, err)
	z, _, err := c.Compile(context.Background(), Unit{Key: "zzz", Source: scriptSource, EntryType: "Script"})
	require.NoError(t, err)

	assert.NotEqual(t, a, z)
	assert.Equal(t, 2, b.builds())
}

func TestCompiler_EmptyArtifactIsRebuilt(t *testing.T) {
	b := &fakeBuilder{}
	c := newTestCompiler(t, b)
	u := Unit{Key: "empty", Source: scriptSource, EntryType: "Script"}

	path := c.ArtifactPath(u.Key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o755))

	_, cached, err := c.Compile(context.Background(), u)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, b.builds())
}

func TestCompiler_WritesWorkspace(t *testing.T) {
	b := &fakeBuilder{}
	c := newTestCompiler(t, b)
	u := Unit{
		Key:       "ws",
		Source:    scriptSource,
		EntryType: "Script",
		Libraries: []deps.Library{{Path: "example.com/greet", Version: "v1.1.0", Dir: "/cache/lib/example.com/greet@v1.1.0"}},
	}

	_, _, err := c.Compile(context.Background(), u)
	require.NoError(t, err)
	dir := b.dirs[0]

	unit, err := os.ReadFile(filepath.Join(dir, "unit.go"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(unit), "package main\n"))

	harness, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(harness), "var unit Script")
	assert.Contains(t, string(harness), "DO NOT EDIT")

	gomod, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	require.NoError(t, err)
	assert.Contains(t, string(gomod), "module capflow.local/unit")
	assert.Contains(t, string(gomod), "example.com/greet v1.1.0")
	assert.Contains(t, string(gomod), "=> /cache/lib/example.com/greet@v1.1.0")
}

func TestCompiler_CompilationErrorCarriesDiagnostics(t *testing.T) {
	b := &fakeBuilder{err: &types.CompilationError{Diagnostics: ParseDiagnostics(
		"# capflow.local/unit\n./unit.go:7:2: undefined: foo\n./unit.go:9:1: missing return\n")}}
	c := newTestCompiler(t, b)

	_, _, err := c.Compile(context.Background(), Unit{Key: "broken", Source: scriptSource, EntryType: "Script"})
	require.Error(t, err)

	var ce *types.CompilationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "broken", ce.SourceHash)
	require.Len(t, ce.Diagnostics, 2)
	assert.Equal(t, types.Diagnostic{File: "unit.go", Line: 7, Column: 2, Message: "undefined: foo"}, ce.Diagnostics[0])
	assert.Equal(t, types.ErrCompilation, types.GetErrorCode(err))
	assert.NoFileExists(t, c.ArtifactPath("broken"))
}

func TestCompiler_InvalidEntryType(t *testing.T) {
	c := newTestCompiler(t, &fakeBuilder{})
	_, _, err := c.Compile(context.Background(), Unit{Key: "k", Source: scriptSource, EntryType: "not a type"})
	assert.Error(t, err)
}

func TestParseDiagnostics(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []types.Diagnostic
	}{
		{
			name:   "file line column",
			output: "./unit.go:3:5: syntax error: unexpected }",
			want:   []types.Diagnostic{{File: "unit.go", Line: 3, Column: 5, Message: "syntax error: unexpected }"}},
		},
		{
			name:   "file line only",
			output: "unit.go:12: imported and not used",
			want:   []types.Diagnostic{{File: "unit.go", Line: 12, Message: "imported and not used"}},
		},
		{
			name:   "unstructured output",
			output: "go: cannot find main module\n",
			want:   []types.Diagnostic{{Message: "go: cannot find main module"}},
		},
		{
			name:   "empty output",
			output: "",
			want:   []types.Diagnostic{{Message: "build failed"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDiagnostics(tt.output))
		})
	}
}

func TestAsMainPackage(t *testing.T) {
	out, err := asMainPackage("// header\npackage scripts\n\ntype Script struct{}\n")
	require.NoError(t, err)
	assert.Equal(t, "// header\npackage main\n\ntype Script struct{}\n", out)

	same := "package main\n"
	out, err = asMainPackage(same)
	require.NoError(t, err)
	assert.Equal(t, same, out)

	_, err = asMainPackage("type Script struct{}")
	assert.Error(t, err)
}

// =============================================================================
// 🧪 Runner 测试
// =============================================================================

// echoUnit invokes "search" with its first parameter and returns the result.
func echoUnit() fakeUnit {
	return func(in *json.Decoder, out *json.Encoder) {
		var start Message
		if in.Decode(&start) != nil {
			return
		}
		_ = out.Encode(Message{Type: MsgInvoke, ID: 1, Name: "search",
			Parameters: map[string]string{"parameter1": start.Parameters["parameter1"]}})
		var reply Message
		if in.Decode(&reply) != nil {
			return
		}
		resp := start.Response
		if resp == nil {
			resp = &types.ResponseSnapshot{}
		}
		resp.Values = map[string]string{"seen": start.Request.Prompt}
		_ = out.Encode(Message{Type: MsgResult, Output: "found " + reply.Output, Response: resp})
	}
}

func TestRunner_ExecuteRoundTrip(t *testing.T) {
	l := &fakeLauncher{newUnit: echoUnit}
	r := NewRunner(l, zap.NewNop())

	var invoked []string
	resp := types.NewResponseContext()
	out, err := r.Execute(context.Background(), "/artifact", env.Invocation{
		Parameters: types.PackPositional("golang"),
		Request:    &types.RequestContext{Prompt: "hello"},
		Response:   resp,
		Invoke: func(_ context.Context, name string, p types.Parameters) (string, error) {
			invoked = append(invoked, name+":"+p.Get(1))
			return "3 hits", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "found 3 hits", out)
	assert.Equal(t, []string{"search:golang"}, invoked)

	seen, ok := resp.Get("seen")
	assert.True(t, ok)
	assert.Equal(t, "hello", seen)

	launched, released := l.counts()
	assert.Equal(t, 1, launched)
	assert.Equal(t, 1, released)
}

func TestRunner_ReleasesProcessOnEveryOutcome(t *testing.T) {
	tests := []struct {
		name      string
		unit      fakeUnit
		wantOuter string
		wantInner string
	}{
		{
			name: "user error",
			unit: func(in *json.Decoder, out *json.Encoder) {
				var start Message
				_ = in.Decode(&start)
				_ = out.Encode(Message{Type: MsgError, Outer: "Script.Run returned an error", Inner: "boom"})
			},
			wantOuter: "Script.Run returned an error",
			wantInner: "boom",
		},
		{
			name: "exit without result",
			unit: func(in *json.Decoder, _ *json.Encoder) {
				var start Message
				_ = in.Decode(&start)
			},
			wantOuter: "unit exited without a result",
		},
		{
			name: "protocol violation",
			unit: func(in *json.Decoder, out *json.Encoder) {
				var start Message
				_ = in.Decode(&start)
				_ = out.Encode(Message{Type: "bogus"})
			},
			wantOuter: `unexpected message "bogus" from unit`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLauncher{newUnit: func() fakeUnit { return tt.unit }}
			r := NewRunner(l, nil)

			_, err := r.Execute(context.Background(), "/artifact", env.Invocation{Parameters: types.PackPositional()})
			require.Error(t, err)

			var uce *types.UserCodeError
			require.True(t, errors.As(err, &uce))
			assert.Equal(t, tt.wantOuter, uce.Outer)
			if tt.wantInner != "" {
				assert.Equal(t, tt.wantInner, uce.Inner)
			}

			_, released := l.counts()
			assert.Equal(t, 1, released)
		})
	}
}

func TestRunner_LaunchFailure(t *testing.T) {
	l := &fakeLauncher{launchErr: errors.New("exec format error")}
	r := NewRunner(l, nil)

	_, err := r.Execute(context.Background(), "/artifact", env.Invocation{})
	assert.True(t, types.HasCode(err, types.ErrUserCode))
}

func TestRunner_EachCallGetsFreshProcess(t *testing.T) {
	// every unit counts its own calls; a shared process would report 2
	l := &fakeLauncher{newUnit: func() fakeUnit {
		calls := 0
		return func(in *json.Decoder, out *json.Encoder) {
			var start Message
			_ = in.Decode(&start)
			calls++
			_ = out.Encode(Message{Type: MsgResult, Output: strings.Repeat("x", calls)})
		}
	}}
	r := NewRunner(l, nil)

	for i := 0; i < 2; i++ {
		out, err := r.Execute(context.Background(), "/artifact", env.Invocation{})
		require.NoError(t, err)
		assert.Equal(t, "x", out)
	}
	launched, released := l.counts()
	assert.Equal(t, 2, launched)
	assert.Equal(t, 2, released)
}

// =============================================================================
// 🧪 真实构建（需要 go 工具链）
// =============================================================================

func TestDurable_RealBuildAndRun(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a real binary")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not available")
	}

	c := NewCompiler(t.TempDir(), nil,
		WithBuilder(GoBuilder{Binary: goBin}),
		WithHostModules(func() []HostModule { return nil }),
	)
	artifact, _, err := c.Compile(context.Background(), Unit{Key: "real", Source: scriptSource, EntryType: "Script"})
	require.NoError(t, err)

	out, err := NewRunner(nil, nil).Execute(context.Background(), artifact, env.Invocation{
		Parameters: types.PackPositional("quiet"),
		Response:   types.NewResponseContext(),
	})
	require.NoError(t, err)
	assert.Equal(t, "QUIET", out)
}
