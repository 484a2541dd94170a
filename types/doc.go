/*
Package types 提供 capflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。能力（capability）定义、连接定义、
位置参数、请求/响应上下文与错误码均定义于此，供 capability、connection、
workflow、script 与 api 等上层模块共用。

# 核心类型

  - Definition / Kind / Content / Setting — 能力定义与按 Code 寻址的配置项
  - Connection                            — 外部系统连接（只读）
  - Parameters                            — parameter1..parameter9 命名参数
  - RequestContext / ResponseContext      — 单次调用共享的请求与响应上下文
  - Error / ErrorCode                     — 结构化错误体系
  - CompilationError / UserCodeError      — 动态代码的编译与运行错误
*/
package types
