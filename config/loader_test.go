// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "Script", cfg.Script.EntryType)
	assert.Equal(t, "https://proxy.golang.org", cfg.Script.ProxyURL)
	assert.Equal(t, "I could not complete the request.", cfg.Planner.FallbackText)
	assert.Equal(t, "No information found.", cfg.Planner.NoInformationText)
	assert.Equal(t, "file", cfg.Library.Source)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Redis.Enabled)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capflow.yaml")
	content := `
server:
  http_port: 8888
  read_timeout: 60s
script:
  entry_type: Main
  quick_cache_limit: 32
planner:
  fallback_text: "sorry"
library:
  path: /etc/capflow/caps.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "Main", cfg.Script.EntryType)
	assert.Equal(t, 32, cfg.Script.QuickCacheLimit)
	assert.Equal(t, "sorry", cfg.Planner.FallbackText)
	assert.Equal(t, "/etc/capflow/caps.yaml", cfg.Library.Path)
	// 未出现在文件中的字段保留默认值
	assert.Equal(t, "No information found.", cfg.Planner.NoInformationText)
}

func TestLoader_LoadFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capflow.toml")
	content := `
[server]
http_port = 9000

[redis]
enabled = true
addr = "redis:6379"

[pool]
max_workers = 8
queue_size = 16
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 8888\n"), 0o644))

	t.Setenv("CAPFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("CAPFLOW_SCRIPT_BUILD_TIMEOUT", "45s")
	t.Setenv("CAPFLOW_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CAPFLOW_REDIS_ENABLED", "true")
	t.Setenv("CAPFLOW_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Script.BuildTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("MYAPP_PLANNER_MODEL", "deepseek-chat")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", cfg.Planner.Model)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("CAPFLOW_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if c.Planner.Model == "gpt-4o-mini" {
			return assert.AnError
		}
		return nil
	}).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"empty entry type", func(c *Config) { c.Script.EntryType = "" }},
		{"zero build timeout", func(c *Config) { c.Script.BuildTimeout = 0 }},
		{"negative quick cache", func(c *Config) { c.Script.QuickCacheLimit = -1 }},
		{"zero index rps", func(c *Config) { c.Script.IndexRPS = 0 }},
		{"negative token budget", func(c *Config) { c.Planner.MaxPromptTokens = -5 }},
		{"no workers", func(c *Config) { c.Pool.MaxWorkers = 0 }},
		{"sample rate above one", func(c *Config) { c.Telemetry.SampleRate = 1.5 }},
		{"unknown library source", func(c *Config) { c.Library.Source = "s3" }},
		{"database source without driver", func(c *Config) {
			c.Library.Source = "database"
			c.Database.Driver = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DefaultDatabaseConfig()
	d.Password = "pw"
	assert.Equal(t, "host=localhost port=5432 user=capflow password=pw dbname=capflow sslmode=disable", d.DSN())

	d.Driver = "mysql"
	d.Port = 3306
	assert.Equal(t, "capflow:pw@tcp(localhost:3306)/capflow?parseTime=true", d.DSN())

	d.Driver = "sqlite"
	d.Name = "/var/lib/capflow.db"
	assert.Equal(t, "/var/lib/capflow.db", d.DSN())

	d.Driver = "oracle"
	assert.Empty(t, d.DSN())
}

func TestMustLoad_PanicsOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: -1\n"), 0o644))

	assert.Panics(t, func() { MustLoad(path) })
}
