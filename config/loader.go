// =============================================================================
// 📦 capflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML / TOML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("capflow.yaml").
//	    WithEnvPrefix("CAPFLOW").
//	    Load()
//
// 配置优先级: 默认值 → 配置文件（按扩展名选择 YAML 或 TOML）→ 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 capflow 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" toml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" env:"TELEMETRY"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" env:"DATABASE"`
	Script    ScriptConfig    `yaml:"script" toml:"script" env:"SCRIPT"`
	Planner   PlannerConfig   `yaml:"planner" toml:"planner" env:"PLANNER"`
	Pool      PoolConfig      `yaml:"pool" toml:"pool" env:"POOL"`
	Library   LibraryConfig   `yaml:"library" toml:"library" env:"LIBRARY"`
}

// ServerConfig HTTP 前端配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" toml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 允许的跨域来源
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins" env:"CORS_ORIGINS"`
	// Prometheus 指标命名空间
	MetricsNamespace string `yaml:"metrics_namespace" toml:"metrics_namespace" env:"METRICS_NAMESPACE"`
	// API Key 列表，为空时不启用认证
	APIKeys []string `yaml:"api_keys" toml:"api_keys" env:"API_KEYS"`
	// 每个客户端 IP 的限流（每秒请求数），<= 0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" toml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" toml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" toml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" toml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" toml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate" env:"SAMPLE_RATE"`
}

// RedisConfig Redis 配置，启用后用于共享模块版本列表缓存
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" toml:"addr" env:"ADDR"`
	Password  string `yaml:"password" toml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" toml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix" env:"KEY_PREFIX"`
	PoolSize  int    `yaml:"pool_size" toml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig 能力定义存储（只读）的数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" toml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" toml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" toml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" toml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" toml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" toml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ScriptConfig 动态代码编译与运行配置
type ScriptConfig struct {
	// 编译产物根目录（<TempRoot>/<hash>/unit）
	TempRoot string `yaml:"temp_root" toml:"temp_root" env:"TEMP_ROOT"`
	// 模块下载与解压缓存目录
	CacheDir string `yaml:"cache_dir" toml:"cache_dir" env:"CACHE_DIR"`
	// Go 模块代理地址
	ProxyURL string `yaml:"proxy_url" toml:"proxy_url" env:"PROXY_URL"`
	// go 可执行文件
	GoBinary string `yaml:"go_binary" toml:"go_binary" env:"GO_BINARY"`
	// 持久模式入口类型名
	EntryType string `yaml:"entry_type" toml:"entry_type" env:"ENTRY_TYPE"`
	// 原生二进制复制目标（为空时为可执行文件旁的 native/）
	NativeDir string `yaml:"native_dir" toml:"native_dir" env:"NATIVE_DIR"`
	// 单次编译超时
	BuildTimeout time.Duration `yaml:"build_timeout" toml:"build_timeout" env:"BUILD_TIMEOUT"`
	// 快速模式脚本缓存上限，0 表示不限
	QuickCacheLimit int `yaml:"quick_cache_limit" toml:"quick_cache_limit" env:"QUICK_CACHE_LIMIT"`
	// 访问包索引的每秒请求数
	IndexRPS float64 `yaml:"index_rps" toml:"index_rps" env:"INDEX_RPS"`
	// 版列表在 Redis 中的缓存时长
	VersionCacheTTL time.Duration `yaml:"version_cache_ttl" toml:"version_cache_ttl" env:"VERSION_CACHE_TTL"`
}

// PlannerConfig 组合能力规划配置
type PlannerConfig struct {
	// 默认模型
	Model string `yaml:"model" toml:"model" env:"MODEL"`
	// 规划失败时的兜底文本
	FallbackText string `yaml:"fallback_text" toml:"fallback_text" env:"FALLBACK_TEXT"`
	// 计划返回为空时的占位文本
	NoInformationText string `yaml:"no_information_text" toml:"no_information_text" env:"NO_INFORMATION_TEXT"`
	// 规划提示词 Token 上限，0 表示不限
	MaxPromptTokens int `yaml:"max_prompt_tokens" toml:"max_prompt_tokens" env:"MAX_PROMPT_TOKENS"`
	// 单次规划请求超时
	Timeout time.Duration `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
	// 循环步骤的最大迭代次数
	MaxLoopIterations int `yaml:"max_loop_iterations" toml:"max_loop_iterations" env:"MAX_LOOP_ITERATIONS"`
}

// PoolConfig 能力调用工作池配置
type PoolConfig struct {
	MaxWorkers int `yaml:"max_workers" toml:"max_workers" env:"MAX_WORKERS"`
	QueueSize  int `yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE"`
}

// LibraryConfig 能力库来源配置
type LibraryConfig struct {
	// 来源: file, database
	Source string `yaml:"source" toml:"source" env:"SOURCE"`
	// 能力库文件（YAML / JSON）
	Path string `yaml:"path" toml:"path" env:"PATH"`
	// 文件轮询间隔，0 表示不监听
	WatchInterval time.Duration `yaml:"watch_interval" toml:"watch_interval" env:"WATCH_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CAPFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → 配置文件 → 环境变量，最后运行 Validate 与自定义验证器
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 或 TOML 文件加载配置；文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(l.configPath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse yaml config: %w", err)
		}
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Script.EntryType == "" {
		errs = append(errs, "script.entry_type must not be empty")
	}
	if c.Script.BuildTimeout <= 0 {
		errs = append(errs, "script.build_timeout must be positive")
	}
	if c.Script.QuickCacheLimit < 0 {
		errs = append(errs, "script.quick_cache_limit must not be negative")
	}
	if c.Script.IndexRPS <= 0 {
		errs = append(errs, "script.index_rps must be positive")
	}
	if c.Planner.MaxPromptTokens < 0 {
		errs = append(errs, "planner.max_prompt_tokens must not be negative")
	}
	if c.Pool.MaxWorkers <= 0 {
		errs = append(errs, "pool.max_workers must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	switch c.Library.Source {
	case "file", "database":
	default:
		errs = append(errs, fmt.Sprintf("library.source must be file or database, got %q", c.Library.Source))
	}
	if c.Library.Source == "database" && c.Database.DSN() == "" {
		errs = append(errs, "library.source=database requires a database driver")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
