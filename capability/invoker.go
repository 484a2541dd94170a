package capability

import (
	"context"
	"time"

	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/pool"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🎯 Invoker
// =============================================================================

// Invoker is the uniform invocation contract for every capability kind.
type Invoker struct {
	registry *Registry
	library  *Library
	pool     *pool.GoroutinePool
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithPool sets the worker pool used by Go.
func WithPool(p *pool.GoroutinePool) InvokerOption {
	return func(i *Invoker) { i.pool = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) InvokerOption {
	return func(i *Invoker) { i.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) InvokerOption {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInvoker creates an invoker over registry and library.
func NewInvoker(registry *Registry, library *Library, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		registry: registry,
		library:  library,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(zap.String("component", "invoker"))
	return i
}

// Library returns the definition library the invoker resolves names against.
func (i *Invoker) Library() *Library { return i.library }

// Registry returns the kind handler registry.
func (i *Invoker) Registry() *Registry { return i.registry }

// Invoke runs def with up to nine positional parameters.
func (i *Invoker) Invoke(ctx context.Context, def *types.Definition, positional ...string) (string, error) {
	return i.InvokeParameters(ctx, def, types.PackPositional(positional...))
}

// InvokeByName looks up an enabled definition by name and runs it.
func (i *Invoker) InvokeByName(ctx context.Context, name string, params types.Parameters) (string, error) {
	if i.library == nil {
		return "", types.NewError(types.ErrCapabilityNotFound, "no capability library configured")
	}
	def, err := i.library.Find(name)
	if err != nil {
		return "", err
	}
	return i.InvokeParameters(ctx, def, params)
}

// InvokeParameters runs def with a packed parameter map. Errors are returned unchanged
// so callers can inspect their codes.
func (i *Invoker) InvokeParameters(ctx context.Context, def *types.Definition, params types.Parameters) (out string, err error) {
	if def == nil {
		return "", types.NewConfigError("definition", "nil capability definition")
	}

	parentRunID, _ := types.RunID(ctx)
	runID := uuid.NewString()
	ctx = types.WithRunID(ctx, runID)
	ctx, _ = types.EnsureResponse(ctx)

	ctx, span := telemetry.StartSpan(ctx, "capability", "capability.invoke",
		"capability.name", def.Name,
		"capability.kind", string(def.Kind),
		"run_id", runID,
	)
	start := time.Now()
	defer func() {
		duration := time.Since(start)
		telemetry.EndSpan(span, err)
		i.metrics.RecordInvocation(string(def.Kind), metrics.Status(err), duration)

		fields := []zap.Field{
			zap.String("capability", def.Name),
			zap.String("kind", string(def.Kind)),
			zap.String("run_id", runID),
			zap.Duration("duration", duration),
		}
		if parentRunID != "" {
			fields = append(fields, zap.String("parent_run_id", parentRunID))
		}
		if err != nil {
			fields = append(fields, zap.String("code", string(types.GetErrorCode(err))), zap.Error(err))
			i.logger.Warn("capability invocation failed", fields...)
			return
		}
		i.logger.Info("capability invoked", fields...)
	}()

	handler, err := i.registry.Handler(def.Kind)
	if err != nil {
		return "", err
	}
	return handler.DoCall(ctx, def, params)
}

// Go schedules an invocation on the worker pool. Without a pool it runs on a new goroutine.
func (i *Invoker) Go(ctx context.Context, def *types.Definition, positional ...string) <-chan pool.Result[string] {
	run := func(ctx context.Context) (string, error) {
		return i.Invoke(ctx, def, positional...)
	}
	if i.pool != nil {
		return pool.Go(ctx, i.pool, run)
	}

	out := make(chan pool.Result[string], 1)
	go func() {
		v, err := run(ctx)
		out <- pool.Result[string]{Value: v, Err: err}
	}()
	return out
}
