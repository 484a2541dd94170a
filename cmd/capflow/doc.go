/*
Package main 提供 capflow 可执行程序。

# 子命令

  - serve   加载配置与能力库，启动 gin HTTP 前端；文件来源的能力库按
    library.watch_interval 热更新
  - invoke  从能力库中按名称调用一个能力，输出写到 stdout，状态写到 stderr
  - version 打印构建信息（Version、BuildTime、GitCommit 通过 ldflags 注入）
  - health  请求运行中服务的 /health

所有能力类型在 App.registerHandlers 中统一注册。
*/
package main
