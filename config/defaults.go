// =============================================================================
// 📦 capflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Script:    DefaultScriptConfig(),
		Planner:   DefaultPlannerConfig(),
		Pool:      DefaultPoolConfig(),
		Library:   DefaultLibraryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Minute,
		ShutdownTimeout:  15 * time.Second,
		CORSOrigins:      []string{"*"},
		MetricsNamespace: "capflow",
		RateLimitRPS:     20,
		RateLimitBurst:   40,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "capflow",
		SampleRate:   0.1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:   false,
		Addr:      "localhost:6379",
		KeyPrefix: "capflow:",
		PoolSize:  10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "capflow",
		Name:            "capflow",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultScriptConfig 返回默认动态代码配置
func DefaultScriptConfig() ScriptConfig {
	root := filepath.Join(os.TempDir(), "capflow")
	return ScriptConfig{
		TempRoot:        filepath.Join(root, "units"),
		CacheDir:        filepath.Join(root, "modcache"),
		ProxyURL:        "https://proxy.golang.org",
		GoBinary:        "go",
		EntryType:       "Script",
		BuildTimeout:    2 * time.Minute,
		QuickCacheLimit: 0,
		IndexRPS:        10,
		VersionCacheTTL: 10 * time.Minute,
	}
}

// DefaultPlannerConfig 返回默认规划配置
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Model:             "gpt-4o-mini",
		FallbackText:      "I could not complete the request.",
		NoInformationText: "No information found.",
		MaxPromptTokens:   12000,
		Timeout:           2 * time.Minute,
		MaxLoopIterations: 50,
	}
}

// DefaultPoolConfig 返回默认工作池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxWorkers: 64,
		QueueSize:  512,
	}
}

// DefaultLibraryConfig 返回默认能力库配置
func DefaultLibraryConfig() LibraryConfig {
	return LibraryConfig{
		Source:        "file",
		Path:          "capabilities.yaml",
		WatchInterval: 2 * time.Second,
	}
}
