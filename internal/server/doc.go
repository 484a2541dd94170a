/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播，
承载 api 包构建的 gin 引擎。配置了 TLSCertFile/TLSKeyFile 时以 HTTPS 启动。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 或 ctx 结束。
  - 错误传播：Errors() 返回异步错误通道。
*/
package server
