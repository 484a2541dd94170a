// Package dbquery 实现 database_query 能力：在 postgres、mysql 或 sqlite 连接上
// 执行 Query 设置中的 SQL。
//
// 参数以命名绑定传入（@parameter1 … @parameter9），不会拼接进 SQL 文本。
// 查询语句返回 JSON 对象数组，其他语句返回受影响行数。
package dbquery
