package mcptool

import (
	"context"
	"strings"
	"testing"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/testutil"
	"github.com/BaSui01/capflow/types"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetArgs struct {
	Name  string `json:"name"`
	Shout bool   `json:"shout,omitempty"`
}

// inMemoryServer starts a server with a greet tool for every session.
func inMemoryServer(t *testing.T) TransportFactory {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "greet", Description: "says hello"},
		func(ctx context.Context, req *mcp.CallToolRequest, args greetArgs) (*mcp.CallToolResult, any, error) {
			if args.Name == "" {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "name is required"}},
				}, nil, nil
			}
			msg := "hello " + args.Name
			if args.Shout {
				msg = strings.ToUpper(msg)
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}}, nil, nil
		})

	return func(*types.Connection) (mcp.Transport, error) {
		clientT, serverT := mcp.NewInMemoryTransports()
		ss, err := server.Connect(context.Background(), serverT, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ss.Close() })
		return clientT, nil
	}
}

func newInvoker(t *testing.T, defs ...*types.Definition) *capability.Invoker {
	t.Helper()
	conn := &types.Connection{ID: "conn-tools", Name: "tools", Kind: types.ConnMCP}
	invoker := testutil.NewInvoker(nil, defs, []*types.Connection{conn})
	invoker.Registry().Register(types.KindMCPTool,
		New(connection.NewResolver(invoker.Library(), nil), WithTransportFactory(inMemoryServer(t))))
	return invoker
}

func TestHandler_CallsTool(t *testing.T) {
	invoker := newInvoker(t,
		testutil.NewDefinition("greet", types.KindMCPTool,
			SettingTool, "greet",
			SettingArguments, `{"name": "{{parameter1}}", "shout": true}`,
		),
	)

	out, err := invoker.InvokeByName(context.Background(), "greet", types.PackPositional(`ann "the" gopher`))
	require.NoError(t, err)
	assert.Equal(t, `HELLO ANN "THE" GOPHER`, out)
}

func TestHandler_ToolErrorIsUpstream(t *testing.T) {
	invoker := newInvoker(t,
		testutil.NewDefinition("greet", types.KindMCPTool, SettingTool, "greet", SettingArguments, `{"name": ""}`),
		testutil.NewDefinition("missing", types.KindMCPTool, SettingTool, "nope"),
	)

	_, err := invoker.InvokeByName(context.Background(), "greet", nil)
	testutil.AssertErrorCode(t, err, types.ErrUpstream)
	assert.ErrorContains(t, err, "name is required")

	_, err = invoker.InvokeByName(context.Background(), "missing", nil)
	testutil.AssertErrorCode(t, err, types.ErrUpstream)
}

func TestHandler_Configuration(t *testing.T) {
	invoker := newInvoker(t,
		testutil.NewDefinition("notool", types.KindMCPTool),
		testutil.NewDefinition("badargs", types.KindMCPTool, SettingTool, "greet", SettingArguments, `[1, 2]`),
	)

	_, err := invoker.InvokeByName(context.Background(), "notool", nil)
	testutil.AssertErrorCode(t, err, types.ErrConfig)
	_, err = invoker.InvokeByName(context.Background(), "badargs", nil)
	testutil.AssertErrorCode(t, err, types.ErrConfig)
}

func TestDefaultTransport(t *testing.T) {
	tr, err := DefaultTransport(&types.Connection{Kind: types.ConnMCP, Content: map[string]string{KeyURL: "http://localhost:8080/mcp"}})
	require.NoError(t, err)
	assert.IsType(t, &mcp.StreamableClientTransport{}, tr)

	tr, err = DefaultTransport(&types.Connection{Kind: types.ConnMCP, Content: map[string]string{KeyTransport: "sse", KeyURL: "http://localhost/sse"}})
	require.NoError(t, err)
	assert.IsType(t, &mcp.SSEClientTransport{}, tr)

	tr, err = DefaultTransport(&types.Connection{Kind: types.ConnMCP, Content: map[string]string{KeyTransport: "command", KeyCommand: "mcp-server --stdio"}})
	require.NoError(t, err)
	assert.IsType(t, &mcp.CommandTransport{}, tr)

	_, err = DefaultTransport(&types.Connection{Kind: types.ConnMCP, Content: map[string]string{KeyTransport: "carrier-pigeon"}})
	testutil.AssertErrorCode(t, err, types.ErrConfig)

	_, err = DefaultTransport(&types.Connection{Kind: types.ConnMCP})
	testutil.AssertErrorCode(t, err, types.ErrConfig)
}
