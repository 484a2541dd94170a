package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/testutil"
	"github.com/BaSui01/capflow/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoHandler joins its parameters and reports the request data it saw.
var echoHandler = capability.HandlerFunc(func(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	if resp := types.Response(ctx); resp != nil {
		resp.Set("defaults", strings.Join(types.DefaultConnections(ctx), ","))
		resp.Set("prompt", types.Request(ctx).Prompt)
	}
	return strings.Join(params.Positional(), "|"), nil
})

func failingHandler(err error) capability.Handler {
	return capability.HandlerFunc(func(context.Context, *types.Definition, types.Parameters) (string, error) {
		return "", err
	})
}

func newTestRouter(t *testing.T, cfg Config, opts ...Option) *gin.Engine {
	t.Helper()
	defs := []*types.Definition{
		testutil.NewDefinition("echo", types.KindRESTAPI,
			types.SettingParameterDescriptions, "first, second",
			types.SettingOutputDescription, "joined parameters",
		),
		testutil.NewDefinition("broken", types.KindCode),
		testutil.NewDefinition("limited", types.KindLLMPrompt),
	}
	invoker := testutil.NewInvoker(map[types.Kind]capability.Handler{
		types.KindRESTAPI:   echoHandler,
		types.KindCode:      failingHandler(&types.UserCodeError{Outer: "boom"}),
		types.KindLLMPrompt: failingHandler(types.NewResourceLimitError("prompt too long", nil)),
	}, defs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRouter(ctx, invoker, cfg, opts...)
}

func do(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) (Response, T) {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	var data T
	if len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return raw.Response, data
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, Config{}, WithVersion("1.2.3"))

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp, health := decode[HealthStatus](t, w)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, HealthStatus{Status: "ok", Version: "1.2.3", Capabilities: 3}, health)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestListCapabilities(t *testing.T) {
	r := newTestRouter(t, Config{})

	w := do(r, http.MethodGet, "/v1/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, fns := decode[[]capability.Function](t, w)
	require.Len(t, fns, 3)
	assert.Equal(t, "echo", fns[0].Name)
	assert.Equal(t, "first", fns[0].Parameters[0].Description)
	assert.Equal(t, "parameter2", fns[0].Parameters[1].Name)
	assert.Equal(t, "joined parameters", fns[0].OutputDescription)
	assert.Equal(t, types.KindRESTAPI, fns[0].Kind)
}

func TestInvoke(t *testing.T) {
	r := newTestRouter(t, Config{})

	w := do(r, http.MethodPost, "/v1/capabilities/echo/invoke",
		`{"parameters":["a","b"],"defaults":["primary"],"prompt":"hi"}`,
		requestIDHeader, "req-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp, out := decode[InvokeResponse](t, w)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
	assert.Equal(t, "a|b|||||||", out.Output)
	assert.Equal(t, "text", out.Format)
	assert.Equal(t, "primary", out.Values["defaults"])
	assert.Equal(t, "hi", out.Values["prompt"])
}

func TestInvoke_EmptyBody(t *testing.T) {
	r := newTestRouter(t, Config{})

	w := do(r, http.MethodPost, "/v1/capabilities/echo/invoke", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, out := decode[InvokeResponse](t, w)
	assert.Equal(t, "||||||||", out.Output)
}

func TestInvoke_HTMLFormatIsSanitized(t *testing.T) {
	r := newTestRouter(t, Config{})

	body := `{"parameters":["# Title\n\n**bold** <script>alert(1)</script>"]}`
	w := do(r, http.MethodPost, "/v1/capabilities/echo/invoke?format=html", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, out := decode[InvokeResponse](t, w)
	assert.Equal(t, "html", out.Format)
	assert.Contains(t, out.Output, "<h1>Title</h1>")
	assert.Contains(t, out.Output, "<strong>bold</strong>")
	assert.NotContains(t, out.Output, "<script>")
}

func TestInvoke_ErrorStatus(t *testing.T) {
	r := newTestRouter(t, Config{})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing", `{}`, http.StatusNotFound, string(types.ErrCapabilityNotFound)},
		{"broken", `{}`, http.StatusUnprocessableEntity, string(types.ErrUserCode)},
		{"limited", `{}`, http.StatusTooManyRequests, string(types.ErrResourceLimit)},
		{"echo", `{"parameters":`, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/capabilities/"+tt.name+"/invoke", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			resp, _ := decode[json.RawMessage](t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[types.ErrorCode]int{
		types.ErrConfig:               http.StatusUnprocessableEntity,
		types.ErrCompilation:          http.StatusUnprocessableEntity,
		types.ErrNoConnectionFound:    http.StatusFailedDependency,
		types.ErrDependencyResolution: http.StatusFailedDependency,
		types.ErrUpstream:             http.StatusBadGateway,
		types.ErrInvalidPlan:          http.StatusBadGateway,
		types.ErrInternal:             http.StatusInternalServerError,
		"":                            http.StatusInternalServerError,
	}
	for code, status := range tests {
		assert.Equal(t, status, StatusFor(code), code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	r := newTestRouter(t, Config{APIKeys: []string{"k1"}})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/capabilities", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/capabilities", "", apiKeyHeader, "nope").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1/capabilities", "", apiKeyHeader, "k1").Code)
}

func TestRateLimiter(t *testing.T) {
	r := newTestRouter(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	resp, _ := decode[json.RawMessage](t, w)
	assert.True(t, resp.Error.Retryable)
}

func TestCORS(t *testing.T) {
	r := newTestRouter(t, Config{CORSOrigins: []string{"https://app.example.com"}})

	w := do(r, http.MethodGet, "/health", "", "Origin", "https://app.example.com")
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodGet, "/health", "", "Origin", "https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Nil(t, CORS(nil))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith("apitest", reg, nil)
	r := newTestRouter(t, Config{}, WithMetrics(collector), WithGatherer(reg))

	do(r, http.MethodPost, "/v1/capabilities/echo/invoke", `{}`)
	w := do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `apitest_http_requests_total{method="POST",path="/v1/capabilities/:name/invoke",status="2xx"}`)
}

func TestRecovery(t *testing.T) {
	logger, logs := testutil.ObservedLogger(zap.NewAtomicLevelAt(zap.ErrorLevel))
	r := gin.New()
	r.Use(RequestID(), Recovery(logger))
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	w := do(r, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp, _ := decode[json.RawMessage](t, w)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
