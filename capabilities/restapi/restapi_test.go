package restapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/testutil"
	"github.com/BaSui01/capflow/testutil/fixtures"
	"github.com/BaSui01/capflow/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvoker(t *testing.T, def *types.Definition, conns ...*types.Connection) *capability.Invoker {
	t.Helper()
	invoker := testutil.NewInvoker(nil, []*types.Definition{def}, conns)
	invoker.Registry().Register(types.KindRESTAPI, New(connection.NewResolver(invoker.Library(), nil)))
	return invoker
}

func TestHandler_RendersRequest(t *testing.T) {
	var got struct {
		method, path, body, accept string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method, got.path, got.body, got.accept = r.Method, r.URL.Path, string(b), r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	def := testutil.NewDefinition("create", types.KindRESTAPI,
		SettingMethod, "post",
		SettingPath, "/items/{{parameter1}}",
		SettingBody, `{"name":"{{parameter2}}"}`,
		SettingHeaders, "Accept: application/json\nbroken line",
	)
	invoker := newInvoker(t, def, fixtures.RESTConnection("api", srv.URL))

	out, err := invoker.InvokeByName(context.Background(), "create", types.PackPositional("7", "widget"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/items/7", got.path)
	assert.Equal(t, `{"name":"widget"}`, got.body)
	assert.Equal(t, "application/json", got.accept)
}

func TestHandler_JWTAuth(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	conn := fixtures.RESTConnection("secured", srv.URL)
	conn.Content[KeyAuth] = "jwt"
	conn.Content[KeyJWTSecret] = "s3cret"
	conn.Content[KeyJWTAudience] = "inventory"
	invoker := newInvoker(t, testutil.NewDefinition("lookup", types.KindRESTAPI), conn)

	_, err := invoker.InvokeByName(context.Background(), "lookup", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience("inventory"), jwt.WithIssuer("capflow"))
	require.NoError(t, err)
	assert.Equal(t, "lookup", claims.Subject)
}

func TestHandler_StaticAuthModes(t *testing.T) {
	tests := []struct {
		auth, header, want string
	}{
		{"bearer", "Authorization", "Bearer tok"},
		{"api_key", "X-API-Key", "tok"},
	}
	for _, tt := range tests {
		t.Run(tt.auth, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
			}))
			defer srv.Close()

			conn := fixtures.RESTConnection("api", srv.URL)
			conn.Content[KeyAuth] = tt.auth
			conn.Content[KeyToken] = "tok"
			invoker := newInvoker(t, testutil.NewDefinition("call", types.KindRESTAPI), conn)

			_, err := invoker.InvokeByName(context.Background(), "call", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   types.ErrorCode
	}{
		{http.StatusTooManyRequests, types.ErrResourceLimit},
		{http.StatusInternalServerError, types.ErrUpstream},
		{http.StatusNotFound, types.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			invoker := newInvoker(t, testutil.NewDefinition("call", types.KindRESTAPI), fixtures.RESTConnection("api", srv.URL))
			_, err := invoker.InvokeByName(context.Background(), "call", nil)
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestHandler_NoConnection(t *testing.T) {
	invoker := newInvoker(t, testutil.NewDefinition("call", types.KindRESTAPI))

	_, err := invoker.InvokeByName(context.Background(), "call", nil)
	testutil.AssertErrorCode(t, err, types.ErrNoConnectionFound)
}

func TestParseHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"A": "1", "B": "x: y"}, parseHeaders("A: 1\n\nB: x: y\n: skipped"))
}
