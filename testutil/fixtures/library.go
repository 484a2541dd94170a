// =============================================================================
// 📦 测试数据工厂 - 能力库测试数据
// =============================================================================
// 提供预定义的能力定义、连接与计划，用于测试
// =============================================================================
package fixtures

import (
	"github.com/BaSui01/capflow/types"
)

// =============================================================================
// 🔌 连接工厂
// =============================================================================

// OpenAIConnection 返回指向 baseURL 的 OpenAI 连接
func OpenAIConnection(baseURL string) *types.Connection {
	return &types.Connection{
		ID:   "conn-openai",
		Name: "openai-main",
		Kind: types.ConnOpenAI,
		Content: map[string]string{
			"api_key":  "sk-test",
			"base_url": baseURL,
			"model":    "gpt-4o-mini",
		},
	}
}

// RESTConnection 返回指向 baseURL 的 REST 连接
func RESTConnection(name, baseURL string) *types.Connection {
	return &types.Connection{
		ID:      "conn-" + name,
		Name:    name,
		Kind:    types.ConnREST,
		Content: map[string]string{"base_url": baseURL},
	}
}

// SQLiteConnection 返回内存 SQLite 连接
func SQLiteConnection(name string) *types.Connection {
	return &types.Connection{
		ID:      "conn-" + name,
		Name:    name,
		Kind:    types.ConnSQLite,
		Content: map[string]string{"dsn": "file:" + name + "?mode=memory&cache=shared"},
	}
}

// =============================================================================
// 🧩 能力定义工厂
// =============================================================================

// SearchDefinition 返回带参数描述的检索能力
func SearchDefinition(kind types.Kind) *types.Definition {
	return &types.Definition{
		ID:          "cap-search",
		Name:        "search",
		Description: "Searches the knowledge base",
		Enabled:     true,
		Kind:        kind,
		Content: types.Content{
			{Code: types.SettingParameterDescriptions, Value: "the search query, maximum number of hits"},
			{Code: types.SettingOutputDescription, Value: "matching passages, one per line"},
			{Code: types.SettingPlannerInstructions, Value: "Always search before summarizing."},
		},
	}
}

// SummarizeDefinition 返回摘要能力
func SummarizeDefinition(kind types.Kind) *types.Definition {
	return &types.Definition{
		ID:          "cap-summarize",
		Name:        "summarize",
		Description: "Summarizes text",
		Enabled:     true,
		Kind:        kind,
		Content: types.Content{
			{Code: types.SettingParameterDescriptions, Value: "the text to summarize"},
			{Code: types.SettingOutputDescription, Value: "a short summary"},
		},
	}
}

// =============================================================================
// 📋 计划工厂
// =============================================================================

// SearchThenSummarizePlan 返回 search → summarize 的 JSON 计划
func SearchThenSummarizePlan(topic string) string {
	return `{"goal":"summarize ` + topic + `","steps":[` +
		`{"id":"found","call":"search","args":["` + topic + `","3"]},` +
		`{"id":"summary","call":"summarize","args":["{{found}}"]}],` +
		`"return":"{{summary}}"}`
}
