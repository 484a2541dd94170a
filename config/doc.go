// Package config 提供 capflow 的配置管理。
//
// 配置按 默认值 → 配置文件 → 环境变量（前缀 CAPFLOW_）的顺序合并，
// 配置文件按扩展名选择 YAML 或 TOML 解析。FileWatcher 用于轮询
// 能力库文件并在变化时触发重新加载。
package config
