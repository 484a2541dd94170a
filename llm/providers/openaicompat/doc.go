// Package openaicompat implements llm.Provider and llm.Embedder for every
// OpenAI-style HTTP API. FromConnection maps capflow LLM connection
// definitions (openai, azure_openai, deepseek, ollama, openai_compatible)
// onto provider configurations.
package openaicompat
