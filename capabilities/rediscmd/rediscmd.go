package rediscmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SettingCommand holds the command line, e.g. `HGET user:{{parameter1}} name`.
const SettingCommand = "Command"

// Connection content keys. url takes precedence over addr/password/db.
const (
	KeyURL      = "url"
	KeyAddr     = "addr"
	KeyPassword = "password"
	KeyDB       = "db"
)

// Handler implements capability.Handler for the redis_command kind.
type Handler struct {
	resolver *connection.Resolver
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*redis.Client
}

// New creates the redis_command handler.
func New(resolver *connection.Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: resolver,
		logger:   logger.With(zap.String("component", "redis_command")),
		clients:  make(map[string]*redis.Client),
	}
}

// DoCall runs the command. Arguments are split before substitution, so a
// parameter containing spaces stays a single argument.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	line, err := def.Content.Require(SettingCommand)
	if err != nil {
		return "", err
	}
	fields, err := splitArgs(line)
	if err != nil {
		return "", types.NewConfigError(SettingCommand, err.Error())
	}
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = capability.Render(ctx, f, params)
	}

	conn, err := h.resolver.Resolve(ctx, []string{types.ConnRedis}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	client, err := h.client(conn)
	if err != nil {
		return "", err
	}

	val, err := client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		h.logger.Warn("redis command failed",
			zap.String("capability", def.Name),
			zap.String("command", fields[0]),
			zap.Error(err),
		)
		return "", types.NewError(types.ErrUpstream, fmt.Sprintf("redis %s failed", strings.ToUpper(fields[0]))).WithCause(err)
	}
	return format(val), nil
}

// Close closes every cached client.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for key, c := range h.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.clients, key)
	}
	return firstErr
}

func (h *Handler) client(conn *types.Connection) (*redis.Client, error) {
	key := conn.ID + "|" + conn.Name
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[key]; ok {
		return c, nil
	}

	var opts *redis.Options
	if u := conn.Value(KeyURL); u != "" {
		parsed, err := redis.ParseURL(u)
		if err != nil {
			return nil, types.NewConfigError(KeyURL, err.Error())
		}
		opts = parsed
	} else {
		addr, err := conn.Require(KeyAddr)
		if err != nil {
			return nil, err
		}
		opts = &redis.Options{Addr: addr, Password: conn.Value(KeyPassword)}
		if v := conn.Value(KeyDB); v != "" {
			if opts.DB, err = strconv.Atoi(v); err != nil {
				return nil, types.NewConfigError(KeyDB, err.Error())
			}
		}
	}
	c := redis.NewClient(opts)
	h.clients[key] = c
	return c, nil
}

// format renders a reply: arrays one element per line, nil as empty.
func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = format(e)
		}
		return strings.Join(parts, "\n")
	case map[any]any:
		parts := make([]string, 0, len(t))
		for k, e := range t {
			parts = append(parts, format(k)+"="+format(e))
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(t)
	}
}

// splitArgs splits on whitespace, honouring double quotes.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '"':
			inQuote = !inQuote
			started = true
		case (c == ' ' || c == '\t' || c == '\n' || c == '\r') && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	if started {
		args = append(args, cur.String())
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}
