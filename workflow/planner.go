package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/llm/tokenizer"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧭 Planner
// =============================================================================

const plannerSystemPrompt = `You are a planner. Break the user's goal into calls to the functions listed below.
Answer with a single JSON object and nothing else:
{"goal": "<goal>", "steps": [{"id": "<identifier>", "call": "<function>", "args": ["<arg>", ...], "when": "<optional condition>"}], "return": "<optional template>"}
Rules:
- Use only the functions listed. Each function takes at most 9 string arguments, in the order shown.
- Reference the output of an earlier step as {{<step id>}} inside an argument or the return template.
- To repeat steps for every line or JSON array element of an earlier output use
  {"id": "<identifier>", "loop": {"over": "{{<step id>}}", "as": "item", "max_iterations": 10, "steps": [...]}} and reference the current element as {{item}}.
- Conditions support ==, !=, <, >, <=, >=, &&, ||, ! and contains, with step ids as variables.
- If no function is useful, return {"steps": []}.

Available functions:
`

// Planner asks an LLM for a plan over the functions of a catalog.
type Planner struct {
	provider        llm.Provider
	model           string
	tokenizer       tokenizer.Tokenizer
	maxPromptTokens int
	timeout         time.Duration
	metrics         *metrics.Collector
	logger          *zap.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithModel sets the model name sent with every request.
func WithModel(model string) PlannerOption {
	return func(p *Planner) { p.model = model }
}

// WithTokenizer sets the tokenizer used for the prompt budget.
func WithTokenizer(t tokenizer.Tokenizer) PlannerOption {
	return func(p *Planner) { p.tokenizer = t }
}

// WithMaxPromptTokens bounds the prompt size. 0 disables the check.
func WithMaxPromptTokens(n int) PlannerOption {
	return func(p *Planner) { p.maxPromptTokens = n }
}

// WithPlannerTimeout sets the per-request timeout.
func WithPlannerTimeout(d time.Duration) PlannerOption {
	return func(p *Planner) { p.timeout = d }
}

// WithPlannerMetrics sets the metrics collector.
func WithPlannerMetrics(c *metrics.Collector) PlannerOption {
	return func(p *Planner) { p.metrics = c }
}

// WithPlannerLogger sets the logger.
func WithPlannerLogger(logger *zap.Logger) PlannerOption {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPlanner creates a planner backed by provider.
func NewPlanner(provider llm.Provider, opts ...PlannerOption) *Planner {
	p := &Planner{
		provider: provider,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tokenizer == nil {
		p.tokenizer = tokenizer.ForModel(p.model)
	}
	p.logger = p.logger.With(zap.String("component", "planner"))
	return p
}

// SystemPrompt renders the planner instructions followed by the catalog listing.
func SystemPrompt(catalog *capability.Catalog) string {
	return plannerSystemPrompt + catalog.Describe()
}

// Plan generates a plan for goal. Sampling is fixed at Temperature=0 and TopP=0 so
// the same goal and catalog yield the same plan as far as the model allows.
// Quota and rate-limit failures surface as ResourceLimitError.
func (p *Planner) Plan(ctx context.Context, goal string, catalog *capability.Catalog) (plan *Plan, err error) {
	if p.provider == nil {
		return nil, types.NewConfigError("provider", "planner has no LLM provider")
	}
	ctx, span := telemetry.StartSpan(ctx, "workflow", "workflow.plan", "llm.provider", p.provider.Name(), "llm.model", p.model)
	defer func() { telemetry.EndSpan(span, err) }()

	system := SystemPrompt(catalog)
	if err := p.checkBudget(system, goal); err != nil {
		return nil, err
	}

	req := &llm.ChatRequest{
		Model: p.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: goal},
		},
		Temperature: 0,
		TopP:        0,
		Timeout:     p.timeout,
	}
	if traceID, ok := types.TraceID(ctx); ok {
		req.TraceID = traceID
	}

	start := time.Now()
	resp, err := p.provider.Completion(ctx, req)
	duration := time.Since(start)
	if err != nil {
		p.metrics.RecordLLMRequest(p.provider.Name(), p.model, metrics.Status(err), duration, 0, 0)
		p.logger.Warn("planner request failed", zap.Error(err), zap.Duration("duration", duration))
		return nil, llm.AsCapflowError(err)
	}
	p.metrics.RecordLLMRequest(p.provider.Name(), p.model, "success", duration,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	content := resp.Content()
	plan, err = ParsePlan(content)
	if err != nil {
		p.logger.Warn("planner returned an unparseable plan", zap.String("content", truncate(content, 512)))
		return nil, err
	}
	if plan.Goal == "" {
		plan.Goal = goal
	}
	if err := Validate(plan, catalog); err != nil {
		return nil, err
	}

	p.logger.Debug("plan generated",
		zap.Strings("calls", plan.Calls()),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Duration("duration", duration))
	return plan, nil
}

func (p *Planner) checkBudget(system, goal string) error {
	if p.maxPromptTokens <= 0 {
		return nil
	}
	n, err := p.tokenizer.CountTokens(system + "\n" + goal)
	if err != nil {
		p.logger.Warn("token counting failed, skipping budget check", zap.Error(err))
		return nil
	}
	if n > p.maxPromptTokens {
		return types.NewResourceLimitError(
			fmt.Sprintf("planner prompt needs %d tokens, budget is %d", n, p.maxPromptTokens), nil)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
