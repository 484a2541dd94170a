// Package llmprompt implements the llm_prompt capability: a single chat
// completion over the resolved LLM connection.
//
// The prompt is budgeted with the model's tokenizer before it is sent.
package llmprompt
