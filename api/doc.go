// Package api 提供 capflow 的 HTTP 前端（gin）。
//
// # 路由
//
//	GET  /health                          健康检查（免认证）
//	GET  /metrics                         Prometheus 指标（免认证）
//	GET  /v1/capabilities                 已启用能力的函数元数据
//	POST /v1/capabilities/:name/invoke    调用能力
//
// 调用请求体：
//
//	{"parameters": ["a", "b"], "defaults": ["primary-db"], "prompt": "..."}
//
// parameters 依次填入 parameter1..parameter9；defaults 指定定义未声明
// 连接提示时优先使用的连接。?format=html 时输出按 Markdown 渲染并经
// bluemonday 清洗。
//
// # 认证与限流
//
// 配置了 API Key 时，除 /health 与 /metrics 外的请求需携带 X-API-Key 头。
// 限流按客户端 IP 计算。
//
// 错误按错误码映射为 HTTP 状态，见 StatusFor。
package api
