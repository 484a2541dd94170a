package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Setting codes read by the discord_message kind.
const (
	SettingChannelID = "ChannelID"
	SettingMessage   = "Message"
)

// Connection content keys. channel_id is used when the setting is empty.
const (
	KeyToken     = "token"
	KeyChannelID = "channel_id"
)

// MaxMessageLength is Discord's per-message content limit in characters.
const MaxMessageLength = 2000

// Sender posts channel messages. *discordgo.Session implements it.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SenderFactory builds a Sender for a bot token.
type SenderFactory func(token string) (Sender, error)

// NewSession creates a REST-only bot session; no gateway connection is opened.
func NewSession(token string) (Sender, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Handler implements capability.Handler for the discord_message kind.
type Handler struct {
	resolver *connection.Resolver
	factory  SenderFactory
	logger   *zap.Logger

	mu      sync.Mutex
	senders map[string]Sender
}

// New creates the discord_message handler. A nil factory uses NewSession.
func New(resolver *connection.Resolver, factory SenderFactory, logger *zap.Logger) *Handler {
	if factory == nil {
		factory = NewSession
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: resolver,
		factory:  factory,
		logger:   logger.With(zap.String("component", "discord_message")),
		senders:  make(map[string]Sender),
	}
}

// DoCall posts Message (default {{parameter1}}) and returns the message ID.
// Content over MaxMessageLength is sent as consecutive messages; the last ID is returned.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	conn, err := h.resolver.Resolve(ctx, []string{types.ConnDiscord}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	channelID := capability.Setting(ctx, def, SettingChannelID, params)
	if channelID == "" {
		channelID = conn.Value(KeyChannelID)
	}
	if strings.TrimSpace(channelID) == "" {
		return "", types.NewConfigError(SettingChannelID, "missing discord channel")
	}
	message := capability.Render(ctx, def.Content.ValueOr(SettingMessage, "{{"+types.ParameterName(1)+"}}"), params)
	if strings.TrimSpace(message) == "" {
		return "", types.NewConfigError(SettingMessage, "message rendered empty")
	}

	sender, err := h.sender(conn)
	if err != nil {
		return "", err
	}
	var last string
	for _, chunk := range Split(message, MaxMessageLength) {
		msg, err := sender.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			h.logger.Warn("send failed", zap.String("capability", def.Name), zap.String("channel", channelID), zap.Error(err))
			return "", sendError(err)
		}
		last = msg.ID
	}
	return last, nil
}

func (h *Handler) sender(conn *types.Connection) (Sender, error) {
	token, err := conn.Require(KeyToken)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := conn.ID + "|" + token
	if s, ok := h.senders[key]; ok {
		return s, nil
	}
	s, err := h.factory(token)
	if err != nil {
		return nil, types.NewConfigError(KeyToken, err.Error())
	}
	h.senders[key] = s
	return s, nil
}

// sendError maps REST failures: 429 is a resource limit, 5xx is retryable.
func sendError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch code := rest.Response.StatusCode; {
		case code == 429:
			return types.NewResourceLimitError("discord rate limit", err)
		case code >= 500:
			return types.NewError(types.ErrUpstream, "discord send failed").WithCause(err).WithRetryable(true)
		}
	}
	return types.NewError(types.ErrUpstream, "discord send failed").WithCause(err)
}

// Split cuts s into pieces of at most limit runes, preferring line breaks.
func Split(s string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := byteOffset(s, limit)
		if i := strings.LastIndexByte(s[:cut], '\n'); i > 0 {
			cut = i + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
