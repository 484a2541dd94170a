package script

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BaSui01/capflow/config"
	"github.com/BaSui01/capflow/script/deps"
	"github.com/BaSui01/capflow/script/durable"
	"github.com/BaSui01/capflow/script/env"
	"github.com/BaSui01/capflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// =============================================================================
// 🧪 Directives
// =============================================================================

func TestParse_ExtractsDirectives(t *testing.T) {
	code := strings.Join([]string{
		`// reference "package-repository: github.com/acme/greet, ^1.2"`,
		`//$ echo setup`,
		`reference "package-repository: github.com/acme/util" optional`,
		`import "strings"`,
		`return strings.ToUpper(env.Param(1)), nil`,
	}, "\n")

	src, err := Parse(code)
	require.NoError(t, err)

	assert.Equal(t, []deps.Request{
		{Path: "github.com/acme/greet", Range: "^1.2"},
		{Path: "github.com/acme/util", Optional: true},
	}, src.Requests)
	assert.Equal(t, []string{"echo setup"}, src.Commands)

	lines := strings.Split(src.Code, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, "", lines[2])
	assert.Equal(t, `import "strings"`, lines[3])
	assert.Equal(t, Hash(src.Code), src.Hash)
}

func TestParse_DirectiveInsideCode(t *testing.T) {
	src, err := Parse(`x := 1 // reference "package-repository: github.com/acme/greet, v1.0.0"`)
	require.NoError(t, err)

	require.Len(t, src.Requests, 1)
	assert.Equal(t, "v1.0.0", src.Requests[0].Range)
	assert.Equal(t, "x := 1 ", src.Code)
}

func TestParse_InvalidRange(t *testing.T) {
	_, err := Parse(`// reference "package-repository: github.com/acme/greet, [v2.0.0, v1.0.0)"`)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "github.com/acme/greet")
}

func TestParse_HashIgnoresDirectives(t *testing.T) {
	a, err := Parse("//$ echo one\nreturn 1, nil")
	require.NoError(t, err)
	b, err := Parse("//$ echo two\nreturn 1, nil")
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)

	c, err := Parse("//$ echo one\nreturn 2, nil")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestParse_PlainCodeUnchanged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		code := rapid.StringMatching(`[a-z0-9 :=+\n(),.]{0,80}`).Draw(t, "code")
		src, err := Parse(code)
		require.NoError(t, err)
		assert.Equal(t, code, src.Code)
		assert.Empty(t, src.Requests)
		assert.Empty(t, src.Commands)
	})
}

func TestUnitKey_DependsOnDependencySet(t *testing.T) {
	src, err := Parse("return 1, nil")
	require.NoError(t, err)
	assert.NotEqual(t, UnitKey(src, "a"), UnitKey(src, "b"))
	assert.Equal(t, UnitKey(src, "a"), UnitKey(src, "a"))
}

// =============================================================================
// 🧪 Mode detection
// =============================================================================

func TestDetectMode(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		entryType string
		want      Mode
	}{
		{"pointer receiver", "package x\ntype Script struct{}\nfunc (s *Script) Run(env *Env) (any, error) { return nil, nil }", "Script", ModeDurable},
		{"value receiver", "package x\ntype Job struct{}\nfunc (Job) Run(env *Env) (any, error) { return nil, nil }", "Job", ModeDurable},
		{"other entry type", "package x\ntype Script struct{}\nfunc (s *Script) Run(env *Env) (any, error) { return nil, nil }", "Job", ModeQuick},
		{"type without Run", "package x\ntype Script struct{}", "Script", ModeQuick},
		{"Run on another type", "package x\ntype Script struct{}\ntype Other struct{}\nfunc (o Other) Run() {}", "Script", ModeQuick},
		{"snippet", "return strings.ToUpper(env.Param(1)), nil", "Script", ModeQuick},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMode(tt.code, tt.entryType))
		})
	}
}

// =============================================================================
// 🧪 Setup commands
// =============================================================================

func TestCommands_MemoizesSuccess(t *testing.T) {
	c := NewCommands(zap.NewNop())
	marker := filepath.Join(t.TempDir(), "runs")
	cmd := "echo run >> " + marker

	require.NoError(t, c.Run(context.Background(), []string{cmd}))
	require.NoError(t, c.Run(context.Background(), []string{cmd}))
	assert.True(t, c.Done(cmd))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "run"))

	c.Forget(cmd)
	require.NoError(t, c.Run(context.Background(), []string{cmd}))
	data, err = os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "run"))
}

func TestCommands_FailureIsUserCodeError(t *testing.T) {
	c := NewCommands(zap.NewNop())
	cmd := "echo broken >&2; exit 3"

	err := c.Run(context.Background(), []string{cmd, "echo never"})
	require.Error(t, err)

	var uce *types.UserCodeError
	require.True(t, errors.As(err, &uce))
	assert.Equal(t, "broken", uce.Inner)
	assert.False(t, c.Done(cmd))
	assert.False(t, c.Done("echo never"))
}

// =============================================================================
// 🧪 Runner
// =============================================================================

type stubBuilder struct {
	mu     sync.Mutex
	builds int
}

func (b *stubBuilder) Build(_ context.Context, _, output string) error {
	b.mu.Lock()
	b.builds++
	b.mu.Unlock()
	return os.WriteFile(output, []byte("#!stub"), 0o755)
}

// echoLauncher answers every start message with the upper-cased first parameter.
type echoLauncher struct {
	mu       sync.Mutex
	released int
}

type echoProcess struct {
	l    *echoLauncher
	in   *io.PipeWriter
	inR  *io.PipeReader
	out  *io.PipeReader
	once sync.Once
}

func (l *echoLauncher) Launch(_ context.Context, _ string) (durable.Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		var start durable.Message
		if err := json.NewDecoder(inR).Decode(&start); err != nil {
			return
		}
		_ = json.NewEncoder(outW).Encode(durable.Message{
			Type:   durable.MsgResult,
			Output: "durable:" + strings.ToUpper(start.Parameters["parameter1"]),
		})
	}()
	return &echoProcess{l: l, in: inW, inR: inR, out: outR}, nil
}

func (p *echoProcess) Input() io.Writer  { return p.in }
func (p *echoProcess) Output() io.Reader { return p.out }
func (p *echoProcess) Logs() string      { return "" }

func (p *echoProcess) Release() error {
	p.once.Do(func() {
		p.in.Close()
		p.inR.Close()
		p.out.Close()
		p.l.mu.Lock()
		p.l.released++
		p.l.mu.Unlock()
	})
	return nil
}

func newTestRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	root := t.TempDir()
	cfg := config.ScriptConfig{
		TempRoot:  filepath.Join(root, "units"),
		CacheDir:  filepath.Join(root, "cache"),
		NativeDir: filepath.Join(root, "native"),
		ProxyURL:  "http://127.0.0.1:1",
	}
	opts = append([]Option{WithCommands(NewCommands(zap.NewNop()))}, opts...)
	r, err := NewRunner(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return r
}

func TestRunner_QuickMode(t *testing.T) {
	r := newTestRunner(t)
	code := "import \"strings\"\nreturn strings.Repeat(env.Param(1), 2), nil"

	out, err := r.Run(context.Background(), code, "", env.Invocation{Parameters: types.PackPositional("ab")})
	require.NoError(t, err)
	assert.Equal(t, "abab", out)
}

func TestRunner_DurableMode(t *testing.T) {
	b := &stubBuilder{}
	l := &echoLauncher{}
	r := newTestRunner(t, WithBuilder(b), WithLauncher(l))
	code := `package scripts

type Script struct{}

func (s *Script) Run(env *Env) (any, error) { return env.Param(1), nil }
`
	for _, p := range []string{"one", "two"} {
		out, err := r.Run(context.Background(), code, "", env.Invocation{Parameters: types.PackPositional(p)})
		require.NoError(t, err)
		assert.Equal(t, "durable:"+strings.ToUpper(p), out)
	}
	assert.Equal(t, 1, b.builds)
	assert.Equal(t, 2, l.released)
}

func TestRunner_RunsSetupCommandsOnce(t *testing.T) {
	cmds := NewCommands(zap.NewNop())
	r := newTestRunner(t, WithCommands(cmds))
	marker := filepath.Join(t.TempDir(), "setup")
	code := "//$ echo ok >> " + marker + "\nreturn \"done\", nil"

	for i := 0; i < 2; i++ {
		out, err := r.Run(context.Background(), code, "", env.Invocation{})
		require.NoError(t, err)
		assert.Equal(t, "done", out)
	}
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "ok"))
}

func TestRunner_RequiredDependencyFailure(t *testing.T) {
	r := newTestRunner(t, WithIndexOptions(deps.WithRateLimit(0)))
	code := "// reference \"package-repository: example.invalid/missing, v1.0.0\"\nreturn 1, nil"

	_, err := r.Run(context.Background(), code, "", env.Invocation{})
	require.Error(t, err)
	assert.Equal(t, types.ErrDependencyResolution, types.GetErrorCode(err))
}

func TestRunner_CompilationErrorNotDowngraded(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Run(context.Background(), "return missingName, nil", "", env.Invocation{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCompilation, types.GetErrorCode(err))
}

func TestRunner_Preflight(t *testing.T) {
	b := &stubBuilder{}
	r := newTestRunner(t, WithBuilder(b), WithLauncher(&echoLauncher{}))

	mode, err := r.Preflight(context.Background(), "return 1, nil", "")
	require.NoError(t, err)
	assert.Equal(t, ModeQuick, mode)

	mode, err = r.Preflight(context.Background(), "package x\ntype Job struct{}\nfunc (Job) Run(env *Env) (any, error) { return nil, nil }", "Job")
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, mode)
	assert.Equal(t, 1, b.builds)
}
