/*
包 cache 提供基于 Redis 的共享缓存。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期（初始化、健康检查、优雅关闭），
所有键统一加上 KeyPrefix。capflow 用它在多个实例之间共享模块代理的版本列表，
避免每个实例重复访问包索引。

# 主要能力

  - Get/Set/Delete 与 GetJSON/SetJSON 键值读写。
  - RememberJSON：读穿缓存，未命中时加载并回写。
  - 后台定时 Ping 健康检查，Close 后停止。
  - ErrCacheMiss / ErrClosed 哨兵错误。
*/
package cache
