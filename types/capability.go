package types

import (
	"strings"
)

// Kind identifies the implementation behind a capability definition.
type Kind string

// Capability kinds. Each kind is served by one capability.Handler.
const (
	KindRESTAPI         Kind = "rest_api"
	KindDatabaseQuery   Kind = "database_query"
	KindMongoQuery      Kind = "mongo_query"
	KindRedisCommand    Kind = "redis_command"
	KindVectorSearch    Kind = "vector_search"
	KindLLMPrompt       Kind = "llm_prompt"
	KindMessageQueue    Kind = "message_queue"
	KindWebSocket       Kind = "websocket"
	KindMCPTool         Kind = "mcp_tool"
	KindDiscordMessage  Kind = "discord_message"
	KindMatrixMessage   Kind = "matrix_message"
	KindEthereumQuery   Kind = "ethereum_query"
	KindCode            Kind = "code"
	KindComposite       Kind = "composite"
	KindEmail           Kind = "email"
	KindSlackMessage    Kind = "slack_message"
	KindGitHub          Kind = "github"
	KindJira            Kind = "jira"
	KindWebSearch       Kind = "web_search"
	KindWebScrape       Kind = "web_scrape"
	KindWeather         Kind = "weather"
	KindTranslate       Kind = "translate"
	KindImageGeneration Kind = "image_generation"
	KindSpeechToText    Kind = "speech_to_text"
	KindTextToSpeech    Kind = "text_to_speech"
	KindCalendar        Kind = "calendar"
	KindFileStorage     Kind = "file_storage"
)

// AllKinds lists every known kind in declaration order.
var AllKinds = []Kind{
	KindRESTAPI, KindDatabaseQuery, KindMongoQuery, KindRedisCommand, KindVectorSearch,
	KindLLMPrompt, KindMessageQueue, KindWebSocket, KindMCPTool, KindDiscordMessage,
	KindMatrixMessage, KindEthereumQuery, KindCode, KindComposite, KindEmail, KindSlackMessage,
	KindGitHub, KindJira, KindWebSearch, KindWebScrape, KindWeather, KindTranslate,
	KindImageGeneration, KindSpeechToText, KindTextToSpeech, KindCalendar, KindFileStorage,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Well-known setting codes shared by every kind.
const (
	SettingParameterDescriptions = "ParameterDescriptions"
	SettingOutputDescription     = "OutputDescription"
	SettingPlannerInstructions   = "PlannerInstructions"
)

// Setting is one stored configuration entry of a capability.
type Setting struct {
	DisplayName   string `json:"display_name,omitempty" yaml:"display_name,omitempty" gorm:"column:display_name"`
	Code          string `json:"code" yaml:"code" gorm:"column:code"`
	Value         string `json:"value" yaml:"value" gorm:"column:value"`
	FileExtension string `json:"file_extension,omitempty" yaml:"file_extension,omitempty" gorm:"column:file_extension"`
}

// Content is the ordered, code-addressed configuration of a capability.
type Content []Setting

// Get returns the setting stored under code.
func (c Content) Get(code string) (Setting, bool) {
	for _, s := range c {
		if s.Code == code {
			return s, true
		}
	}
	return Setting{}, false
}

// Value returns the value stored under code, or "" when absent.
func (c Content) Value(code string) string {
	s, _ := c.Get(code)
	return s.Value
}

// ValueOr returns the trimmed value stored under code, or def when absent or blank.
func (c Content) ValueOr(code, def string) string {
	if v := strings.TrimSpace(c.Value(code)); v != "" {
		return v
	}
	return def
}

// Require returns the value stored under code or a ConfigError naming the key.
func (c Content) Require(code string) (string, error) {
	s, ok := c.Get(code)
	if !ok || strings.TrimSpace(s.Value) == "" {
		return "", NewConfigError(code, "missing required setting")
	}
	return s.Value, nil
}

// Set replaces the value under code, appending a new setting if needed.
func (c Content) Set(code, value string) Content {
	for i := range c {
		if c[i].Code == code {
			out := append(Content(nil), c...)
			out[i].Value = value
			return out
		}
	}
	return append(append(Content(nil), c...), Setting{Code: code, DisplayName: code, Value: value})
}

// Codes returns the setting codes in stored order.
func (c Content) Codes() []string {
	codes := make([]string, 0, len(c))
	for _, s := range c {
		codes = append(codes, s.Code)
	}
	return codes
}

// Definition is the stored description of a capability (agent).
type Definition struct {
	ID           string  `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	Description  string  `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ConnectionID string  `json:"connection_id,omitempty" yaml:"connection_id,omitempty"`
	Kind         Kind    `json:"kind" yaml:"kind"`
	Content      Content `json:"content,omitempty" yaml:"content,omitempty"`
}

// ConnectionHint returns the resolver hint bound to this definition.
func (d *Definition) ConnectionHint() string {
	if d == nil {
		return ""
	}
	return strings.TrimSpace(d.ConnectionID)
}
