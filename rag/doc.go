// Package rag 提供向量检索：内存存储、Qdrant REST 存储，
// 以及基于 llm.Embedder 的查询向量化检索器。
//
// vector_search 能力通过 Retriever 检索，结果每行一段。
package rag
