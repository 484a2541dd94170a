// Package mongoquery 实现 mongo_query 能力：按 Filter（扩展 JSON）在指定集合上执行 find，
// 结果以扩展 JSON 数组返回。
package mongoquery
