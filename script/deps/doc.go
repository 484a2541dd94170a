// Package deps resolves the "fetch package" directives of dynamic code into
// modules extracted on disk.
//
// # 解析流程
//
//   - Index 通过 GOPROXY 协议读取版本列表、go.mod 与模块归档，受 x/time/rate 限速，
//     版本列表可选缓存在 Redis 中
//   - Resolver 为每个请求选择满足 VersionRange 的最高版本（go 指令不高于当前工具链），
//     无满足版本时回退到最新版本并记录警告
//   - 传递依赖读取各模块的 go.mod，按 (path, version) 去重，同一路径取最高版本
//   - 归档按 (path, version) 只下载一次，用 x/mod/zip 解压到 <CacheDir>/lib/
//   - native/<GOOS>_<GOARCH>/（回退 native/<GOOS>/）下的原生二进制复制到可执行文件旁
//
// 解析结果按请求集合哈希缓存在内存中，相同请求的并发解析通过 singleflight 合并。
package deps
