// Package mcptool 实现 mcp_tool 能力：通过 Model Context Protocol 会话调用远端工具，
// 每次调用建立并关闭一个会话。
package mcptool
