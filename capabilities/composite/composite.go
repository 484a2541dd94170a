package composite

import (
	"context"
	"strings"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/config"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/llm/providers/openaicompat"
	"github.com/BaSui01/capflow/llm/tokenizer"
	"github.com/BaSui01/capflow/template"
	"github.com/BaSui01/capflow/types"
	"github.com/BaSui01/capflow/workflow"
	"go.uber.org/zap"
)

// Setting codes read by the composite kind.
const (
	SettingCapabilities      = "Capabilities"
	SettingPlan              = "Plan"
	SettingPlannerPrompt     = "PlannerPrompt"
	SettingFallbackText      = "FallbackText"
	SettingNoInformationText = "NoInformationText"
	SettingModel             = "Model"
)

// InstructionsKey is the PlannerPrompt placeholder replaced by the collected
// sub-capability instructions.
const InstructionsKey = "instructions"

// outcomeResourceLimit labels runs that ended by propagating a ResourceLimitError.
const outcomeResourceLimit = "resource_limit"

// ProviderFactory builds the LLM provider for a resolved connection.
type ProviderFactory func(conn *types.Connection, logger *zap.Logger) (llm.Provider, error)

// DefaultProviderFactory serves every LLM connection kind through the
// OpenAI-compatible provider.
func DefaultProviderFactory(conn *types.Connection, logger *zap.Logger) (llm.Provider, error) {
	p, err := openaicompat.FromConnection(conn, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Handler implements capability.Handler for the composite kind.
type Handler struct {
	invoker   *capability.Invoker
	resolver  *connection.Resolver
	providers ProviderFactory
	tokenizer tokenizer.Tokenizer
	executor  *workflow.Executor
	cfg       config.PlannerConfig
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithProviderFactory replaces the LLM provider factory.
func WithProviderFactory(f ProviderFactory) Option {
	return func(h *Handler) { h.providers = f }
}

// WithPlannerConfig sets the planner defaults.
func WithPlannerConfig(cfg config.PlannerConfig) Option {
	return func(h *Handler) { h.cfg = cfg }
}

// WithTokenizer sets the tokenizer used for the planner prompt budget.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(h *Handler) { h.tokenizer = t }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates the composite handler. Sub-capabilities are looked up in the
// invoker's library and run through the invoker.
func New(invoker *capability.Invoker, resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{
		invoker:   invoker,
		resolver:  resolver,
		providers: DefaultProviderFactory,
		cfg:       config.DefaultPlannerConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "composite"))
	h.executor = workflow.NewExecutor(h.logger, workflow.WithMaxIterations(h.cfg.MaxLoopIterations))
	return h
}

// run carries the state of one composite invocation.
type run struct {
	def     *types.Definition
	tracker *workflow.Tracker
	catalog *capability.Catalog
	vars    map[string]string
	logger  *zap.Logger
}

// DoCall plans and executes a chain of sub-capability calls.
//
// A ResourceLimitError from anywhere below propagates unchanged. Every other
// failure is logged and answered with the fallback text.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	r := &run{
		def:     def,
		tracker: workflow.NewTracker(),
		catalog: capability.NewCatalog(),
		vars:    planVars(ctx, params),
		logger:  h.logger.With(zap.String("capability", def.Name)),
	}
	if runID, ok := types.RunID(ctx); ok {
		r.logger = r.logger.With(zap.String("run_id", runID))
	}

	ctx, resp := types.EnsureResponse(ctx)
	_, hadOutput := resp.Output()

	result, err := h.execute(ctx, r)
	if err != nil {
		if types.IsResourceLimit(err) {
			r.logger.Warn("composite stopped by resource limit", zap.Error(err))
			h.metrics.RecordCompositeOutcome(outcomeResourceLimit)
			return "", err
		}
		r.logger.Error("composite failed, answering with fallback text",
			zap.String("state", string(r.tracker.Current())),
			zap.Error(err))
		_ = r.tracker.Advance(workflow.StateFallbackText)
		h.metrics.RecordCompositeOutcome(string(workflow.StateFallbackText))
		return def.Content.ValueOr(SettingFallbackText, h.cfg.FallbackText), nil
	}

	_ = r.tracker.Advance(workflow.StateSucceeded)
	h.metrics.RecordCompositeOutcome(string(workflow.StateSucceeded))

	if out, has := resp.Output(); has && !hadOutput {
		return out, nil
	}
	if strings.TrimSpace(result.Output) == "" {
		return def.Content.ValueOr(SettingNoInformationText, h.cfg.NoInformationText), nil
	}
	return result.Output, nil
}

func (h *Handler) execute(ctx context.Context, r *run) (*workflow.Result, error) {
	conn, err := h.resolver.Resolve(ctx, types.LLMConnectionKinds, r.def.ConnectionHint())
	if err != nil {
		return nil, err
	}

	snippets, err := h.registerPlugins(r)
	if err != nil {
		return nil, err
	}
	if err := r.tracker.Advance(workflow.StatePluginsRegistered); err != nil {
		return nil, err
	}

	plan, err := h.plan(ctx, r, conn, snippets)
	if err != nil {
		return nil, err
	}
	if err := r.tracker.Advance(workflow.StatePlanReady); err != nil {
		return nil, err
	}

	result, err := h.executor.Execute(ctx, plan, r.catalog, r.vars)
	if err != nil {
		return nil, err
	}
	if err := r.tracker.Advance(workflow.StateExecuted); err != nil {
		return nil, err
	}
	return result, nil
}

// registerPlugins fills the per-call catalog and returns the instruction snippets.
func (h *Handler) registerPlugins(r *run) ([]string, error) {
	library := h.invoker.Library()
	if library == nil {
		return nil, types.NewConfigError(SettingCapabilities, "no capability library configured")
	}

	var subs []*types.Definition
	if names := splitNames(r.def.Content.Value(SettingCapabilities)); len(names) > 0 {
		for _, name := range names {
			sub, err := library.Find(name)
			if err != nil {
				r.logger.Warn("sub-capability not available", zap.String("name", name))
				continue
			}
			subs = append(subs, sub)
		}
	} else {
		for _, sub := range library.Enabled() {
			if sub.Kind != types.KindComposite {
				subs = append(subs, sub)
			}
		}
	}

	for _, sub := range subs {
		if strings.EqualFold(sub.Name, r.def.Name) {
			continue
		}
		if err := capability.Register(sub, r.catalog, h.invoker); err != nil {
			r.logger.Warn("sub-capability not registered", zap.String("name", sub.Name), zap.Error(err))
		}
	}
	r.logger.Debug("sub-capabilities registered", zap.Int("count", r.catalog.Len()))
	return r.catalog.Instructions(), nil
}

// plan returns the pinned plan if the definition has one, otherwise asks the planner.
// Pinned plans are parsed as written; the executor substitutes parameters into
// step arguments.
func (h *Handler) plan(ctx context.Context, r *run, conn *types.Connection, snippets []string) (*workflow.Plan, error) {
	if pinned := strings.TrimSpace(r.def.Content.Value(SettingPlan)); pinned != "" {
		plan, err := workflow.ParsePlan(pinned)
		if err != nil {
			return nil, err
		}
		if err := workflow.Validate(plan, r.catalog); err != nil {
			return nil, err
		}
		r.logger.Debug("using pinned plan", zap.Strings("calls", plan.Calls()))
		return plan, nil
	}

	provider, err := h.providers(conn, h.logger)
	if err != nil {
		return nil, err
	}

	prompt := r.def.Content.ValueOr(SettingPlannerPrompt, "{{"+types.ParameterName(1)+"}}")
	prompt = template.Substitute(prompt, map[string]string{InstructionsKey: strings.Join(snippets, "\n")})
	prompt = template.Substitute(prompt, r.vars)

	model := strings.TrimSpace(r.def.Content.Value(SettingModel))
	tok := h.tokenizer
	if tok == nil {
		tok = tokenizer.ForModel(firstNonEmpty(model, h.cfg.Model))
	}
	planner := workflow.NewPlanner(provider,
		workflow.WithModel(model),
		workflow.WithTokenizer(tok),
		workflow.WithMaxPromptTokens(h.cfg.MaxPromptTokens),
		workflow.WithPlannerTimeout(h.cfg.Timeout),
		workflow.WithPlannerMetrics(h.metrics),
		workflow.WithPlannerLogger(h.logger),
	)
	return planner.Plan(ctx, prompt, r.catalog)
}

// planVars exposes request values, the request prompt and the positional
// parameters to templates. Parameters win on conflicts.
func planVars(ctx context.Context, params types.Parameters) map[string]string {
	return capability.RenderValues(ctx, params)
}

func splitNames(list string) []string {
	var out []string
	for _, n := range strings.Split(list, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
