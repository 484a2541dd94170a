package mcptool

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/internal/tlsutil"
	"github.com/BaSui01/capflow/types"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Setting codes read by the mcp_tool kind.
const (
	SettingTool      = "Tool"
	SettingArguments = "Arguments"
)

// Connection content keys. transport is streamable (default), sse or command.
const (
	KeyTransport = "transport"
	KeyURL       = "url"
	KeyCommand   = "command"
)

// Version is reported to MCP servers in the client implementation info.
var Version = "dev"

// TransportFactory opens a client transport for a resolved connection.
type TransportFactory func(conn *types.Connection) (mcp.Transport, error)

// DefaultTransport builds the transport named by the connection.
func DefaultTransport(conn *types.Connection) (mcp.Transport, error) {
	switch strings.ToLower(conn.ValueOr(KeyTransport, "streamable")) {
	case "streamable":
		url, err := conn.Require(KeyURL)
		if err != nil {
			return nil, err
		}
		return &mcp.StreamableClientTransport{Endpoint: url, HTTPClient: tlsutil.SecureHTTPClient(0)}, nil
	case "sse":
		url, err := conn.Require(KeyURL)
		if err != nil {
			return nil, err
		}
		return &mcp.SSEClientTransport{Endpoint: url, HTTPClient: tlsutil.SecureHTTPClient(0)}, nil
	case "command":
		line, err := conn.Require(KeyCommand)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		return &mcp.CommandTransport{Command: exec.Command(fields[0], fields[1:]...)}, nil
	default:
		return nil, types.NewConfigError(KeyTransport, "unsupported mcp transport "+conn.Value(KeyTransport))
	}
}

// Handler implements capability.Handler for the mcp_tool kind.
type Handler struct {
	resolver   *connection.Resolver
	transports TransportFactory
	timeout    time.Duration
	logger     *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithTransportFactory replaces the transport factory.
func WithTransportFactory(f TransportFactory) Option {
	return func(h *Handler) { h.transports = f }
}

// WithTimeout bounds one session: connect, call and close.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates the mcp_tool handler.
func New(resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{
		resolver:   resolver,
		transports: DefaultTransport,
		timeout:    60 * time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "mcp_tool"))
	return h
}

// DoCall opens a session, calls Tool with the rendered Arguments object and
// returns the text content of the result. Structured content is returned as
// JSON when the result carries no text.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	tool, err := def.Content.Require(SettingTool)
	if err != nil {
		return "", err
	}
	tool = capability.Render(ctx, tool, params)

	args := map[string]any{}
	if raw := strings.TrimSpace(def.Content.Value(SettingArguments)); raw != "" {
		if err := json.Unmarshal([]byte(capability.RenderJSON(ctx, raw, params)), &args); err != nil {
			return "", types.NewConfigError(SettingArguments, "arguments must be a JSON object").WithCause(err)
		}
	}

	conn, err := h.resolver.Resolve(ctx, []string{types.ConnMCP}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	transport, err := h.transports(conn)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "capflow", Version: Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return "", h.upstream(def, conn, "connect", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", h.upstream(def, conn, "call "+tool, err)
	}
	out := resultText(res)
	if res.IsError {
		h.logger.Warn("tool reported an error", zap.String("capability", def.Name), zap.String("tool", tool))
		return "", types.NewError(types.ErrUpstream, "mcp tool "+tool+" failed: "+out)
	}
	return out, nil
}

func (h *Handler) upstream(def *types.Definition, conn *types.Connection, op string, err error) error {
	h.logger.Warn("mcp "+op+" failed",
		zap.String("capability", def.Name),
		zap.String("connection", conn.Name),
		zap.Error(err),
	)
	return types.NewError(types.ErrUpstream, "mcp "+op+" on "+conn.Name+" failed").WithCause(err).WithRetryable(true)
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	return strings.Join(parts, "\n")
}
