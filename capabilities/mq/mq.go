package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Setting codes read by the message_queue kind.
const (
	SettingExchange    = "Exchange"
	SettingRoutingKey  = "RoutingKey"
	SettingBody        = "Body"
	SettingContentType = "ContentType"
)

// KeyURL is the AMQP URL in the connection content.
const KeyURL = "url"

// Publisher publishes to one broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Close() error
}

// DialFunc opens a Publisher for an AMQP URL.
type DialFunc func(url string) (Publisher, error)

// Dial connects to RabbitMQ and opens a channel.
func Dial(url string) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return &channelPublisher{conn: conn, ch: ch}, nil
}

type channelPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (p *channelPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	return p.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func (p *channelPublisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

// Handler implements capability.Handler for the message_queue kind.
type Handler struct {
	resolver *connection.Resolver
	dial     DialFunc
	now      func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	publishers map[string]Publisher
}

// Option configures a Handler.
type Option func(*Handler)

// WithDialer replaces the broker dialer.
func WithDialer(d DialFunc) Option {
	return func(h *Handler) { h.dial = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates the message_queue handler.
func New(resolver *connection.Resolver, opts ...Option) *Handler {
	h := &Handler{
		resolver:   resolver,
		dial:       Dial,
		now:        time.Now,
		logger:     zap.NewNop(),
		publishers: make(map[string]Publisher),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "message_queue"))
	return h
}

// DoCall publishes the rendered Body (default {{parameter1}}) and returns the
// message ID. A failed publish drops the cached channel so the next call redials.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	key := capability.Setting(ctx, def, SettingRoutingKey, params)
	exchange := capability.Setting(ctx, def, SettingExchange, params)
	if exchange == "" && key == "" {
		return "", types.NewConfigError(SettingRoutingKey, "routing key is required for the default exchange")
	}
	body := capability.Render(ctx, def.Content.ValueOr(SettingBody, "{{"+types.ParameterName(1)+"}}"), params)

	conn, err := h.resolver.Resolve(ctx, []string{types.ConnRabbitMQ}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	pub, err := h.publisher(conn)
	if err != nil {
		return "", err
	}

	msg := amqp.Publishing{
		ContentType:  def.Content.ValueOr(SettingContentType, contentType(body)),
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    h.now(),
		AppId:        "capflow",
		Body:         []byte(body),
	}
	if err := pub.Publish(ctx, exchange, key, msg); err != nil {
		h.drop(conn)
		h.logger.Warn("publish failed",
			zap.String("capability", def.Name),
			zap.String("exchange", exchange),
			zap.String("routing_key", key),
			zap.Error(err),
		)
		return "", types.NewError(types.ErrUpstream, "publish to "+conn.Name+" failed").WithCause(err).WithRetryable(true)
	}
	h.logger.Debug("message published", zap.String("message_id", msg.MessageId), zap.String("routing_key", key))
	return msg.MessageId, nil
}

// Close closes every cached publisher.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for k, p := range h.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.publishers, k)
	}
	return firstErr
}

func (h *Handler) publisher(conn *types.Connection) (Publisher, error) {
	url, err := conn.Require(KeyURL)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.publishers[conn.ID+"|"+conn.Name]; ok {
		return p, nil
	}
	p, err := h.dial(url)
	if err != nil {
		return nil, types.NewError(types.ErrUpstream, "rabbitmq "+conn.Name+" unreachable").WithCause(err).WithRetryable(true)
	}
	h.publishers[conn.ID+"|"+conn.Name] = p
	return p, nil
}

func (h *Handler) drop(conn *types.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.publishers[conn.ID+"|"+conn.Name]; ok {
		_ = p.Close()
		delete(h.publishers, conn.ID+"|"+conn.Name)
	}
}

func contentType(body string) string {
	if json.Valid([]byte(strings.TrimSpace(body))) && strings.TrimSpace(body) != "" {
		return "application/json"
	}
	return "text/plain"
}
