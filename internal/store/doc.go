// Package store 提供能力定义与连接定义的只读数据库仓库。
//
// 表结构由外部管理端负责维护与迁移，本包只做查询并转换为 types 中的定义。
package store
