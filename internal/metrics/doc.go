/*
包 metrics 提供基于 Prometheus 的指标采集能力。

# 概述

Collector 统一注册和记录 Prometheus 指标，使用 promauto.With 注册到
指定 Registry（默认 Registry 或测试用的独立 Registry）。所有 Record*
方法对 nil 接收者安全。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 能力调用指标：按 kind/status 统计调用次数与耗时。
  - LLM 指标：请求总数、耗时、Token 用量（prompt/completion）。
  - 组合能力指标：按终止状态（succeeded / fallback_text）计数。
  - 动态代码指标：编译次数与耗时、依赖解析、模块下载。
  - 缓存指标：命中与未命中，按 cache_type 分组。
  - 数据库指标：活跃/空闲连接数、查询耗时。
*/
package metrics
