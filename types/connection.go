package types

import (
	"strings"
	"time"
)

// Connection is the shared, read-only configuration for one external-system instance.
type Connection struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Kind      string            `json:"kind" yaml:"kind"`
	Content   map[string]string `json:"content,omitempty" yaml:"content,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	CreatedBy string            `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// Value returns the content value under key, or "".
func (c *Connection) Value(key string) string {
	if c == nil || c.Content == nil {
		return ""
	}
	return c.Content[key]
}

// ValueOr returns the trimmed content value under key, or def.
func (c *Connection) ValueOr(key, def string) string {
	if v := strings.TrimSpace(c.Value(key)); v != "" {
		return v
	}
	return def
}

// Require returns the content value under key or a ConfigError.
func (c *Connection) Require(key string) (string, error) {
	v := strings.TrimSpace(c.Value(key))
	if v == "" {
		name := ""
		if c != nil {
			name = c.Name
		}
		return "", NewConfigError(key, "connection "+name+" is missing a required value")
	}
	return v, nil
}

// Connection kinds understood by the built-in capabilities.
const (
	ConnOpenAI           = "openai"
	ConnAzureOpenAI      = "azure_openai"
	ConnDeepSeek         = "deepseek"
	ConnOllama           = "ollama"
	ConnOpenAICompatible = "openai_compatible"
	ConnREST             = "rest"
	ConnPostgres         = "postgres"
	ConnMySQL            = "mysql"
	ConnSQLite           = "sqlite"
	ConnMongoDB          = "mongodb"
	ConnRedis            = "redis"
	ConnQdrant           = "qdrant"
	ConnRabbitMQ         = "rabbitmq"
	ConnWebSocket        = "websocket"
	ConnMCP              = "mcp"
	ConnDiscord          = "discord"
	ConnMatrix           = "matrix"
	ConnEthereum         = "ethereum"
)

// LLMConnectionKinds are the connection kinds that can serve chat completions.
var LLMConnectionKinds = []string{ConnOpenAI, ConnAzureOpenAI, ConnDeepSeek, ConnOllama, ConnOpenAICompatible}
