// Package tokenizer 提供 token 计数，用于规划提示词与 llm_prompt 能力的预算检查。
package tokenizer
