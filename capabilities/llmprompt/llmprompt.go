package llmprompt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/llm/providers/openaicompat"
	"github.com/BaSui01/capflow/llm/tokenizer"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Setting codes read by the llm_prompt kind.
const (
	SettingPrompt          = "Prompt"
	SettingSystemPrompt    = "SystemPrompt"
	SettingModel           = "Model"
	SettingTemperature     = "Temperature"
	SettingMaxTokens       = "MaxTokens"
	SettingMaxPromptTokens = "MaxPromptTokens"
)

// DefaultMaxPromptTokens bounds the rendered prompt when MaxPromptTokens is unset.
const DefaultMaxPromptTokens = 8000

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

// Handler implements capability.Handler for the llm_prompt kind.
type Handler struct {
	resolver  *connection.Resolver
	providers ProviderFactory
	tokenizer tokenizer.Tokenizer
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithProviderFactory replaces the LLM provider factory.
func WithProviderFactory(f ProviderFactory) Option {
	return func(h *Handler) { h.providers = f }
}

// WithTokenizer fixes the tokenizer instead of choosing one per model.
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

// New creates the llm_prompt handler.
func New(resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{
		resolver:  resolver,
		providers: DefaultProviderFactory,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "llm_prompt"))
	return h
}

// DoCall renders Prompt (default {{parameter1}}) and returns the completion text.
// A prompt over the token budget is a ResourceLimitError and is never sent.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	req, err := h.buildRequest(ctx, def, params)
	if err != nil {
		return "", err
	}

	conn, err := h.resolver.Resolve(ctx, types.LLMConnectionKinds, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	provider, err := h.providers(conn, h.logger)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := provider.Completion(ctx, req)
	if err != nil {
		h.metrics.RecordLLMRequest(provider.Name(), req.Model, "error", time.Since(start), 0, 0)
		h.logger.Warn("completion failed",
			zap.String("capability", def.Name),
			zap.String("provider", provider.Name()),
			zap.Error(err),
		)
		return "", llm.AsCapflowError(err)
	}
	h.metrics.RecordLLMRequest(provider.Name(), firstNonEmpty(resp.Model, req.Model), "success", time.Since(start),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Content()), nil
}

func (h *Handler) buildRequest(ctx context.Context, def *types.Definition, params types.Parameters) (*llm.ChatRequest, error) {
	prompt := capability.Render(ctx, def.Content.ValueOr(SettingPrompt, "{{"+types.ParameterName(1)+"}}"), params)
	if strings.TrimSpace(prompt) == "" {
		return nil, types.NewConfigError(SettingPrompt, "prompt rendered empty")
	}
	system := capability.Setting(ctx, def, SettingSystemPrompt, params)

	req := &llm.ChatRequest{
		Model:    strings.TrimSpace(def.Content.Value(SettingModel)),
		Messages: make([]llm.Message, 0, 2),
		TopP:     1,
	}
	if system != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	if v := strings.TrimSpace(def.Content.Value(SettingTemperature)); v != "" {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil || t < 0 || t > 2 {
			return nil, types.NewConfigError(SettingTemperature, "temperature must be between 0 and 2")
		}
		req.Temperature = float32(t)
	}
	var err error
	if req.MaxTokens, err = positiveInt(def, SettingMaxTokens, 0); err != nil {
		return nil, err
	}
	budget, err := positiveInt(def, SettingMaxPromptTokens, DefaultMaxPromptTokens)
	if err != nil {
		return nil, err
	}

	tok := h.tokenizer
	if tok == nil {
		tok = tokenizer.ForModel(req.Model)
	}
	n, err := tok.CountTokens(system + "\n" + prompt)
	if err != nil {
		return nil, fmt.Errorf("count prompt tokens: %w", err)
	}
	if n > budget {
		return nil, types.NewResourceLimitError(fmt.Sprintf("prompt for %s needs %d tokens, budget is %d", def.Name, n, budget), nil)
	}
	return req, nil
}

func positiveInt(def *types.Definition, code string, fallback int) (int, error) {
	v := strings.TrimSpace(def.Content.Value(code))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, types.NewConfigError(code, "must be a positive integer")
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
