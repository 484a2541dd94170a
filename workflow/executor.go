package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/template"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// DefaultMaxIterations caps a loop whose plan sets no max_iterations.
const DefaultMaxIterations = 50

// Result is the outcome of executing a plan.
type Result struct {
	// Output is the substituted Return template, or the last step output when the plan has none.
	Output string
	// Outputs maps step IDs to their outputs. Inside loops the last iteration wins.
	Outputs map[string]string
	// Executed counts function calls actually made.
	Executed int
	// Skipped lists steps whose condition was false.
	Skipped []string
}

// Executor runs plans against a function catalog.
type Executor struct {
	maxIterations int
	logger        *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxIterations sets the loop cap used when a loop has none of its own.
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{maxIterations: DefaultMaxIterations, logger: logger.With(zap.String("component", "plan_executor"))}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution is the mutable state of one Execute call.
type execution struct {
	catalog *capability.Catalog
	scope   map[string]string
	result  *Result
	last    string
}

// Execute runs plan step by step. vars seed the substitution scope; each step output
// is added under its ID. The first failing call aborts the plan and its error is
// returned wrapped, so error codes stay inspectable. A ResourceLimitError is
// returned as is.
func (e *Executor) Execute(ctx context.Context, plan *Plan, catalog *capability.Catalog, vars map[string]string) (res *Result, err error) {
	if plan == nil {
		return nil, invalidPlan("plan is nil")
	}
	ctx, span := telemetry.StartSpan(ctx, "workflow", "workflow.execute", "plan.goal", plan.Goal)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	run := &execution{
		catalog: catalog,
		scope:   make(map[string]string, len(vars)+len(plan.Steps)),
		result:  &Result{Outputs: make(map[string]string)},
	}
	for k, v := range vars {
		run.scope[k] = v
	}

	e.logger.Debug("executing plan", zap.String("goal", plan.Goal), zap.Int("steps", len(plan.Steps)))

	if err := e.runSteps(ctx, run, plan.Steps); err != nil {
		e.logger.Warn("plan execution failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return nil, err
	}

	if strings.TrimSpace(plan.Return) != "" {
		run.result.Output = template.Substitute(plan.Return, run.scope)
		if unresolved := template.Placeholders(run.result.Output); len(unresolved) > 0 {
			e.logger.Debug("return value has unresolved placeholders", zap.Strings("keys", unresolved))
		}
	} else {
		run.result.Output = run.last
	}

	e.logger.Debug("plan executed",
		zap.Int("calls", run.result.Executed),
		zap.Int("skipped", len(run.result.Skipped)),
		zap.Duration("duration", time.Since(start)))
	return run.result, nil
}

func (e *Executor) runSteps(ctx context.Context, run *execution, steps []Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if step.When != "" {
			ok, err := EvalCondition(step.When, conditionVars(run.scope))
			if err != nil {
				return invalidPlan("step %s: invalid condition %q", step.ID, step.When).WithCause(err)
			}
			if !ok {
				e.logger.Debug("step skipped", zap.String("step", step.ID), zap.String("when", step.When))
				run.result.Skipped = append(run.result.Skipped, step.ID)
				continue
			}
		}

		var out string
		var err error
		if step.Loop != nil {
			out, err = e.runLoop(ctx, run, step)
		} else {
			out, err = e.call(ctx, run, step)
		}
		if err != nil {
			return err
		}
		run.scope[step.ID] = out
		run.result.Outputs[step.ID] = out
		run.last = out
	}
	return nil
}

func (e *Executor) call(ctx context.Context, run *execution, step Step) (string, error) {
	fn, ok := run.catalog.Get(step.Call)
	if !ok {
		return "", invalidPlan("step %s calls unknown function %q", step.ID, step.Call)
	}
	args := make([]string, len(step.Args))
	for i, a := range step.Args {
		args[i] = template.Substitute(a, run.scope)
	}

	e.logger.Debug("calling function", zap.String("step", step.ID), zap.String("function", fn.Name))
	out, err := fn.Call(ctx, args...)
	run.result.Executed++
	if err != nil {
		if types.IsResourceLimit(err) {
			return "", err
		}
		return "", fmt.Errorf("step %s (%s): %w", step.ID, fn.Name, err)
	}
	return out, nil
}

// runLoop runs the loop body once per item. The loop output is the newline-joined
// output of the body's last step in each iteration.
func (e *Executor) runLoop(ctx context.Context, run *execution, step Step) (string, error) {
	loop := step.Loop
	items := SplitItems(template.Substitute(loop.Over, run.scope))

	limit := loop.MaxIterations
	if limit <= 0 {
		limit = e.maxIterations
	}
	if len(items) > limit {
		e.logger.Warn("loop truncated",
			zap.String("step", step.ID),
			zap.Int("items", len(items)),
			zap.Int("max_iterations", limit))
		items = items[:limit]
	}

	as := loopVariable(loop)
	outputs := make([]string, 0, len(items))
	for i, item := range items {
		run.scope[as] = item
		run.scope[as+"_index"] = strconv.Itoa(i)
		run.last = ""
		if err := e.runSteps(ctx, run, loop.Steps); err != nil {
			if types.IsResourceLimit(err) {
				return "", err
			}
			return "", fmt.Errorf("loop %s iteration %d: %w", step.ID, i, err)
		}
		outputs = append(outputs, run.last)
	}
	delete(run.scope, as)
	delete(run.scope, as+"_index")
	return strings.Join(outputs, "\n"), nil
}

// SplitItems splits loop input. A JSON array yields one item per element (strings
// verbatim, other values re-encoded); anything else yields its non-blank lines.
func SplitItems(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			items := make([]string, 0, len(raw))
			for _, r := range raw {
				var s string
				if err := json.Unmarshal(r, &s); err == nil {
					items = append(items, s)
					continue
				}
				items = append(items, string(r))
			}
			return items
		}
	}
	var items []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return items
}

func conditionVars(scope map[string]string) map[string]any {
	vars := make(map[string]any, len(scope))
	for k, v := range scope {
		vars[k] = v
	}
	return vars
}

// Run parses, validates and executes a pinned plan document.
func (e *Executor) Run(ctx context.Context, planText string, catalog *capability.Catalog, vars map[string]string) (*Result, error) {
	plan, err := ParsePlan(planText)
	if err != nil {
		return nil, err
	}
	if err := Validate(plan, catalog); err != nil {
		return nil, err
	}
	return e.Execute(ctx, plan, catalog, vars)
}
