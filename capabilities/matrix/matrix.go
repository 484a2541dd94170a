package matrix

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Setting codes read by the matrix_message kind.
const (
	SettingRoomID  = "RoomID"
	SettingMessage = "Message"
)

// Connection content keys. room_id is used when the setting is empty.
const (
	KeyHomeserver  = "homeserver"
	KeyUserID      = "user_id"
	KeyAccessToken = "access_token"
	KeyRoomID      = "room_id"
)

// Handler implements capability.Handler for the matrix_message kind.
type Handler struct {
	resolver *connection.Resolver
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*mautrix.Client
}

// New creates the matrix_message handler.
func New(resolver *connection.Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: resolver,
		logger:   logger.With(zap.String("component", "matrix_message")),
		clients:  make(map[string]*mautrix.Client),
	}
}

// DoCall sends Message (default {{parameter1}}) as m.text to the room and
// returns the event ID.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	conn, err := h.resolver.Resolve(ctx, []string{types.ConnMatrix}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	room := capability.Setting(ctx, def, SettingRoomID, params)
	if room == "" {
		room = conn.Value(KeyRoomID)
	}
	if !strings.HasPrefix(room, "!") {
		return "", types.NewConfigError(SettingRoomID, "matrix room id must start with '!'")
	}
	message := capability.Render(ctx, def.Content.ValueOr(SettingMessage, "{{"+types.ParameterName(1)+"}}"), params)
	if strings.TrimSpace(message) == "" {
		return "", types.NewConfigError(SettingMessage, "message rendered empty")
	}

	client, err := h.client(conn)
	if err != nil {
		return "", err
	}
	resp, err := client.SendText(ctx, id.RoomID(room), message)
	if err != nil {
		h.logger.Warn("send failed", zap.String("capability", def.Name), zap.String("room", room), zap.Error(err))
		return "", sendError(err)
	}
	return resp.EventID.String(), nil
}

func (h *Handler) client(conn *types.Connection) (*mautrix.Client, error) {
	homeserver, err := conn.Require(KeyHomeserver)
	if err != nil {
		return nil, err
	}
	token, err := conn.Require(KeyAccessToken)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := conn.ID + "|" + homeserver + "|" + token
	if c, ok := h.clients[key]; ok {
		return c, nil
	}
	c, err := mautrix.NewClient(homeserver, id.UserID(conn.Value(KeyUserID)), token)
	if err != nil {
		return nil, types.NewConfigError(KeyHomeserver, err.Error())
	}
	h.clients[key] = c
	return c, nil
}

func sendError(err error) error {
	var he mautrix.HTTPError
	if errors.As(err, &he) && he.Response != nil {
		switch code := he.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return types.NewResourceLimitError("matrix rate limit", err)
		case code >= 500:
			return types.NewError(types.ErrUpstream, "matrix send failed").WithCause(err).WithRetryable(true)
		}
	}
	return types.NewError(types.ErrUpstream, "matrix send failed").WithCause(err)
}
