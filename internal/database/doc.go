/*
包 database 提供基于 GORM 的数据库连接池管理。

# 概述

PoolManager 封装 GORM 与 database/sql 的连接池配置，统一管理连接生命周期；
Pools 为 database_query 能力按连接（ID + 种类 + DSN）缓存 PoolManager，
首次使用时打开并探活。方言按连接种类选择：postgres、mysql 与纯 Go 的
sqlite（glebarez）。

# 主要能力

  - 连接池调优与 PoolConfig.Validate 校验。
  - 后台健康检查，连接数写入 Prometheus 指标。
  - WithTransaction / WithTransactionRetry（死锁、序列化失败等场景指数退避）。
*/
package database
