package wsmessage

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Setting codes read by the websocket kind.
const (
	SettingMessage     = "Message"
	SettingExpectReply = "ExpectReply"
)

// Connection content keys.
const (
	KeyURL     = "url"
	KeyToken   = "token"
	KeyTimeout = "timeout"
)

const (
	defaultTimeout = 30 * time.Second
	readLimit      = 4 << 20
)

// Handler implements capability.Handler for the websocket kind.
type Handler struct {
	resolver *connection.Resolver
	client   *http.Client
	logger   *zap.Logger
}

// New creates the websocket handler. A nil client uses http.DefaultClient.
func New(resolver *connection.Resolver, client *http.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: resolver,
		client:   client,
		logger:   logger.With(zap.String("component", "websocket")),
	}
}

// DoCall dials, sends Message (default {{parameter1}}) as a text frame and,
// unless ExpectReply is false, returns the first reply frame.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	conn, err := h.resolver.Resolve(ctx, []string{types.ConnWebSocket}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	url, err := conn.Require(KeyURL)
	if err != nil {
		return "", err
	}
	timeout := defaultTimeout
	if v := conn.Value(KeyTimeout); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil {
			return "", types.NewConfigError(KeyTimeout, err.Error())
		}
	}
	expectReply := true
	if v := strings.TrimSpace(def.Content.Value(SettingExpectReply)); v != "" {
		if expectReply, err = strconv.ParseBool(v); err != nil {
			return "", types.NewConfigError(SettingExpectReply, err.Error())
		}
	}
	message := capability.Render(ctx, def.Content.ValueOr(SettingMessage, "{{"+types.ParameterName(1)+"}}"), params)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: h.client}
	if token := conn.Value(KeyToken); token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return "", h.upstream(def, conn, "dial", err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	if err := ws.Write(ctx, websocket.MessageText, []byte(message)); err != nil {
		return "", h.upstream(def, conn, "write", err)
	}
	var reply string
	if expectReply {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return "", h.upstream(def, conn, "read", err)
		}
		reply = string(data)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	return reply, nil
}

func (h *Handler) upstream(def *types.Definition, conn *types.Connection, op string, err error) error {
	h.logger.Warn("websocket "+op+" failed",
		zap.String("capability", def.Name),
		zap.String("connection", conn.Name),
		zap.Error(err),
	)
	return types.NewError(types.ErrUpstream, "websocket "+op+" on "+conn.Name+" failed").WithCause(err).WithRetryable(true)
}
