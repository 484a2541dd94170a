package restapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/internal/tlsutil"
	"github.com/BaSui01/capflow/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Setting codes read by the rest_api kind.
const (
	SettingMethod  = "Method"
	SettingPath    = "Path"
	SettingBody    = "Body"
	SettingHeaders = "Headers"
)

// Connection content keys.
const (
	KeyBaseURL            = "base_url"
	KeyAuth               = "auth" // none, bearer, jwt, api_key
	KeyToken              = "token"
	KeyAPIKeyHeader       = "api_key_header"
	KeyJWTSecret          = "jwt_secret"
	KeyJWTIssuer          = "jwt_issuer"
	KeyJWTAudience        = "jwt_audience"
	KeyJWTTTL             = "jwt_ttl"
	KeyTimeout            = "timeout"
	KeyRootCAPEM          = "root_ca_pem"
	KeyInsecureSkipVerify = "insecure_skip_verify"
)

// maxResponseBytes caps the body returned as capability output.
const maxResponseBytes = 4 << 20

// Handler implements capability.Handler for the rest_api kind.
type Handler struct {
	resolver *connection.Resolver
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]*http.Client
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates the rest_api handler.
func New(resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{
		resolver: resolver,
		logger:   zap.NewNop(),
		now:      time.Now,
		clients:  make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "rest_api"))
	return h
}

// DoCall sends the configured request and returns the response body.
// 429 maps to ResourceLimitError; other non-2xx statuses are upstream errors.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	conn, err := h.resolver.Resolve(ctx, []string{types.ConnREST}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	baseURL, err := conn.Require(KeyBaseURL)
	if err != nil {
		return "", err
	}

	method := strings.ToUpper(def.Content.ValueOr(SettingMethod, http.MethodGet))
	target := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(capability.Setting(ctx, def, SettingPath, params), "/")

	var body io.Reader
	if b := capability.Setting(ctx, def, SettingBody, params); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", types.NewConfigError(SettingPath, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range parseHeaders(capability.Setting(ctx, def, SettingHeaders, params)) {
		req.Header.Set(k, v)
	}
	if err := h.authorize(req, conn, def); err != nil {
		return "", err
	}

	client, err := h.client(conn)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrUpstream, fmt.Sprintf("%s %s failed", method, req.URL.Path)).WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", types.NewError(types.ErrUpstream, "read response body").WithCause(err)
	}
	out := string(raw)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", types.NewResourceLimitError(fmt.Sprintf("%s rate limited the request", conn.Name), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		h.logger.Warn("rest call returned error status",
			zap.String("capability", def.Name),
			zap.String("connection", conn.Name),
			zap.Int("status", resp.StatusCode),
		)
		return "", types.NewError(types.ErrUpstream, fmt.Sprintf("%s %s returned %d: %s", method, req.URL.Path, resp.StatusCode, truncate(out, 256))).
			WithRetryable(resp.StatusCode >= 500)
	}
	return out, nil
}

func (h *Handler) authorize(req *http.Request, conn *types.Connection, def *types.Definition) error {
	switch strings.ToLower(conn.ValueOr(KeyAuth, "none")) {
	case "none":
		return nil
	case "bearer":
		token, err := conn.Require(KeyToken)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "api_key":
		token, err := conn.Require(KeyToken)
		if err != nil {
			return err
		}
		req.Header.Set(conn.ValueOr(KeyAPIKeyHeader, "X-API-Key"), token)
	case "jwt":
		token, err := h.signJWT(conn, def)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return types.NewConfigError(KeyAuth, "unsupported auth mode "+conn.Value(KeyAuth))
	}
	return nil
}

// signJWT mints a short-lived HS256 token naming the calling capability as subject.
func (h *Handler) signJWT(conn *types.Connection, def *types.Definition) (string, error) {
	secret, err := conn.Require(KeyJWTSecret)
	if err != nil {
		return "", err
	}
	ttl := 5 * time.Minute
	if v := conn.Value(KeyJWTTTL); v != "" {
		if ttl, err = time.ParseDuration(v); err != nil {
			return "", types.NewConfigError(KeyJWTTTL, err.Error())
		}
	}
	now := h.now()
	claims := jwt.RegisteredClaims{
		Issuer:    conn.ValueOr(KeyJWTIssuer, "capflow"),
		Subject:   def.Name,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if aud := conn.Value(KeyJWTAudience); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (h *Handler) client(conn *types.Connection) (*http.Client, error) {
	key := conn.ID + "|" + conn.Name
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[key]; ok {
		return c, nil
	}

	timeout := 30 * time.Second
	if v := conn.Value(KeyTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, types.NewConfigError(KeyTimeout, err.Error())
		}
		timeout = d
	}
	tlsOpts := tlsutil.ConnectionTLS{RootCAPEM: conn.Value(KeyRootCAPEM)}
	tlsOpts.InsecureSkipVerify, _ = strconv.ParseBool(conn.Value(KeyInsecureSkipVerify))
	c, err := tlsutil.HTTPClientFor(timeout, tlsOpts)
	if err != nil {
		return nil, types.NewConfigError(KeyRootCAPEM, err.Error())
	}
	h.clients[key] = c
	return c, nil
}

// parseHeaders reads "Name: value" lines.
func parseHeaders(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
