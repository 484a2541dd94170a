package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/script/env"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🚀 进程隔离
// =============================================================================

// Process is one running unit: the isolation context of a single invocation.
type Process interface {
	// Input carries messages to the unit (its fd 3).
	Input() io.Writer
	// Output carries messages from the unit (its fd 4).
	Output() io.Reader
	// Logs returns what the unit wrote to stdout and stderr so far.
	Logs() string
	// Release kills and reaps the process. It is safe to call more than once.
	Release() error
}

// Launcher starts a fresh process for an artifact.
type Launcher interface {
	Launch(ctx context.Context, artifact string) (Process, error)
}

// ExecLauncher starts artifacts as child processes.
type ExecLauncher struct{}

// Launch starts artifact with the protocol pipes as fd 3 and fd 4.
func (ExecLauncher) Launch(ctx context.Context, artifact string) (Process, error) {
	toUnitR, toUnitW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromUnitR, fromUnitW, err := os.Pipe()
	if err != nil {
		toUnitR.Close()
		toUnitW.Close()
		return nil, err
	}

	logs := &tailBuffer{limit: 16 << 10}
	cmd := exec.CommandContext(ctx, artifact)
	cmd.Dir = filepath.Dir(artifact)
	cmd.ExtraFiles = []*os.File{toUnitR, fromUnitW}
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toUnitR, toUnitW, fromUnitR, fromUnitW} {
			f.Close()
		}
		return nil, err
	}
	// the child holds its own copies
	toUnitR.Close()
	fromUnitW.Close()

	return &execProcess{cmd: cmd, in: toUnitW, out: fromUnitR, logs: logs}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	in   *os.File
	out  *os.File
	logs *tailBuffer

	once sync.Once
	err  error
}

func (p *execProcess) Input() io.Writer  { return p.in }
func (p *execProcess) Output() io.Reader { return p.out }
func (p *execProcess) Logs() string      { return p.logs.String() }

func (p *execProcess) Release() error {
	p.once.Do(func() {
		p.in.Close()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.err = err
		}
		// a killed or failed unit exits non-zero; that is not a release failure
		var exitErr *exec.ExitError
		if err := p.cmd.Wait(); err != nil && !errors.As(err, &exitErr) && p.err == nil {
			p.err = err
		}
		p.out.Close()
	})
	return p.err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// =============================================================================
// ▶️ 运行器
// =============================================================================

// Runner executes compiled units, one process per call.
type Runner struct {
	launcher Launcher
	logger   *zap.Logger
}

// NewRunner creates a runner. A nil launcher starts real child processes.
func NewRunner(launcher Launcher, logger *zap.Logger) *Runner {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{launcher: launcher, logger: logger.With(zap.String("component", "durable_runner"))}
}

// Execute runs artifact once. The process is always released and a full
// collection forced afterwards, whatever the outcome. Cancelling ctx does
// not stop a running unit; it only reaches capabilities the unit invokes.
func (r *Runner) Execute(ctx context.Context, artifact string, inv env.Invocation) (out string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "script", "durable.execute", "artifact", artifact)
	defer func() { telemetry.EndSpan(span, err) }()

	proc, err := r.launcher.Launch(context.WithoutCancel(ctx), artifact)
	if err != nil {
		return "", &types.UserCodeError{Outer: "unit could not be started", Inner: err.Error(), Cause: err}
	}
	defer func() {
		if rerr := proc.Release(); rerr != nil {
			r.logger.Warn("unit release failed", zap.String("artifact", artifact), zap.Error(rerr))
		}
		runtime.GC()
		debug.FreeOSMemory()
	}()

	out, err = r.session(ctx, proc, inv)
	if err != nil {
		var uce *types.UserCodeError
		if errors.As(err, &uce) {
			r.logger.Error("unit failed",
				zap.String("artifact", artifact),
				zap.String("outer", uce.Outer),
				zap.String("inner", uce.Inner),
			)
		}
	}
	return out, err
}

// session speaks the unit protocol until the unit reports a result or error.
func (r *Runner) session(ctx context.Context, proc Process, inv env.Invocation) (string, error) {
	enc := json.NewEncoder(proc.Input())
	dec := json.NewDecoder(proc.Output())

	start := Message{Type: MsgStart, Parameters: inv.Parameters, Request: inv.Request}
	if inv.Response != nil {
		snap := inv.Response.Snapshot()
		start.Response = &snap
	}
	if err := enc.Encode(start); err != nil {
		return "", unitExited("unit did not accept the start message", proc, err)
	}

	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return "", unitExited("unit exited without a result", proc, err)
		}

		switch msg.Type {
		case MsgInvoke:
			reply := Message{Type: MsgInvokeResult, ID: msg.ID}
			if inv.Invoke == nil {
				reply.Error = "capability invocation is not available to this unit"
			} else if output, err := inv.Invoke(ctx, msg.Name, types.Parameters(msg.Parameters)); err != nil {
				reply.Error = err.Error()
			} else {
				reply.Output = output
			}
			if err := enc.Encode(reply); err != nil {
				return "", unitExited("unit stopped reading", proc, err)
			}

		case MsgResult:
			if msg.Response != nil && inv.Response != nil {
				inv.Response.Apply(*msg.Response)
			}
			return msg.Output, nil

		case MsgError:
			return "", &types.UserCodeError{Outer: msg.Outer, Inner: msg.Inner}

		default:
			return "", &types.UserCodeError{Outer: fmt.Sprintf("unexpected message %q from unit", msg.Type)}
		}
	}
}

func unitExited(outer string, proc Process, cause error) error {
	inner := proc.Logs()
	if inner == "" && cause != nil {
		inner = cause.Error()
	}
	return &types.UserCodeError{Outer: outer, Inner: inner, Cause: cause}
}
