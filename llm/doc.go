// Package llm 定义与厂商无关的 LLM Provider 接口、请求/响应类型和错误码。
//
// 组合能力的规划器与 llm_prompt、vector_search 等能力通过本包访问模型，
// 具体实现见 llm/providers/openaicompat。
package llm
