package llmprompt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/llm"
	"github.com/BaSui01/capflow/llm/tokenizer"
	"github.com/BaSui01/capflow/testutil"
	"github.com/BaSui01/capflow/testutil/fixtures"
	"github.com/BaSui01/capflow/testutil/mocks"
	"github.com/BaSui01/capflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newInvoker(t *testing.T, def *types.Definition, provider llm.Provider) *capability.Invoker {
	t.Helper()
	invoker := testutil.NewInvoker(nil, []*types.Definition{def}, []*types.Connection{fixtures.OpenAIConnection("http://unused")})
	opts := []Option{WithTokenizer(tokenizer.EstimatorTokenizer{})}
	if provider != nil {
		opts = append(opts, WithProviderFactory(func(*types.Connection, *zap.Logger) (llm.Provider, error) {
			return provider, nil
		}))
	}
	invoker.Registry().Register(types.KindLLMPrompt, New(connection.NewResolver(invoker.Library(), nil), opts...))
	return invoker
}

func TestHandler_RendersPromptAndSettings(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("  Bonjour  ")
	def := testutil.NewDefinition("translate", types.KindLLMPrompt,
		SettingSystemPrompt, "You translate into {{lang}}.",
		SettingPrompt, "Translate: {{parameter1}}",
		SettingModel, "gpt-4o",
		SettingTemperature, "0.3",
		SettingMaxTokens, "64",
	)
	invoker := newInvoker(t, def, provider)
	ctx := types.WithRequest(context.Background(), &types.RequestContext{Values: map[string]string{"lang": "French"}})

	out, err := invoker.InvokeByName(ctx, "translate", types.PackPositional("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", out)

	call := provider.GetLastCall()
	require.NotNil(t, call)
	req := call.Request
	assert.Equal(t, "gpt-4o", req.Model)
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
	assert.Equal(t, 64, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "You translate into French."}, req.Messages[0])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Translate: Hello"}, req.Messages[1])
}

func TestHandler_DefaultPromptIsFirstParameter(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("ok")
	invoker := newInvoker(t, testutil.NewDefinition("ask", types.KindLLMPrompt), provider)

	_, err := invoker.InvokeByName(context.Background(), "ask", types.PackPositional("What is Go?"))
	require.NoError(t, err)
	req := provider.GetLastCall().Request
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "What is Go?", req.Messages[0].Content)
}

func TestHandler_PromptOverBudgetIsNotSent(t *testing.T) {
	provider := mocks.NewMockProvider()
	def := testutil.NewDefinition("ask", types.KindLLMPrompt, SettingMaxPromptTokens, "5")
	invoker := newInvoker(t, def, provider)

	_, err := invoker.InvokeByName(context.Background(), "ask", types.PackPositional(strings.Repeat("word ", 200)))
	assert.True(t, types.IsResourceLimit(err))
	assert.Zero(t, provider.GetCallCount())
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings []string
		params   types.Parameters
		provider *mocks.MockProvider
		code     types.ErrorCode
	}{
		{"empty prompt", nil, types.PackPositional(), mocks.NewMockProvider(), types.ErrConfig},
		{"bad temperature", []string{SettingTemperature, "hot"}, types.PackPositional("x"), mocks.NewMockProvider(), types.ErrConfig},
		{"bad max tokens", []string{SettingMaxTokens, "0"}, types.PackPositional("x"), mocks.NewMockProvider(), types.ErrConfig},
		{"quota", nil, types.PackPositional("x"),
			mocks.NewMockProvider().WithError(&llm.Error{Code: llm.ErrQuotaExceeded, Message: "quota", Provider: "mock"}), types.ErrResourceLimit},
		{"upstream", nil, types.PackPositional("x"),
			mocks.NewMockProvider().WithError(&llm.Error{Code: llm.ErrUpstreamError, Message: "boom"}), types.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := newInvoker(t, testutil.NewDefinition("ask", types.KindLLMPrompt, tt.settings...), tt.provider)
			_, err := invoker.InvokeByName(context.Background(), "ask", tt.params)
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestHandler_DefaultProviderOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"c1","model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	def := testutil.NewDefinition("ping", types.KindLLMPrompt, SettingPrompt, "ping")
	invoker := testutil.NewInvoker(nil, []*types.Definition{def}, []*types.Connection{fixtures.OpenAIConnection(srv.URL)})
	invoker.Registry().Register(types.KindLLMPrompt, New(connection.NewResolver(invoker.Library(), nil),
		WithTokenizer(tokenizer.EstimatorTokenizer{})))

	out, err := invoker.InvokeByName(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}
