// Package vectorsearch 实现 vector_search 能力：对查询做向量化，
// 在 Qdrant 集合中检索最相近的段落，每行返回一段。
package vectorsearch
