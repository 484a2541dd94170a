package script

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Commands runs shell setup commands one at a time. A command that
// succeeded once is remembered and skipped on later runs.
type Commands struct {
	shell  string
	logger *zap.Logger

	mu   sync.Mutex
	done map[string]struct{}
}

// SharedCommands is the process-wide command runner.
var SharedCommands = NewCommands(nil)

// NewCommands creates a command runner using sh.
func NewCommands(logger *zap.Logger) *Commands {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Commands{
		shell:  "sh",
		logger: logger.With(zap.String("component", "script_commands")),
		done:   make(map[string]struct{}),
	}
}

// Run executes cmds in order and stops at the first failure.
// Once a command starts it runs to completion.
func (c *Commands) Run(ctx context.Context, cmds []string) error {
	if len(cmds) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cmd := range cmds {
		if _, ok := c.done[cmd]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := exec.CommandContext(context.WithoutCancel(ctx), c.shell, "-c", cmd).CombinedOutput()
		if err != nil {
			c.logger.Error("setup command failed",
				zap.String("command", cmd),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err),
			)
			inner := strings.TrimSpace(string(out))
			if inner == "" {
				inner = err.Error()
			}
			return &types.UserCodeError{Outer: "setup command failed: " + cmd, Inner: inner, Cause: err}
		}
		c.done[cmd] = struct{}{}
		c.logger.Info("setup command completed", zap.String("command", cmd))
	}
	return nil
}

// Done reports whether cmd has already succeeded.
func (c *Commands) Done(cmd string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.done[cmd]
	return ok
}

// Forget drops cmd from the memo so the next run executes it again.
func (c *Commands) Forget(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.done, cmd)
}
