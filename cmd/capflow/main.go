// =============================================================================
// capflow 主入口
// =============================================================================
// 使用方法:
//
//	capflow serve                                   # 启动 HTTP 服务
//	capflow serve --config config.yaml              # 指定配置文件
//	capflow invoke --library lib.yaml weather Paris # 直接调用一个能力
//	capflow version                                 # 显示版本信息
//	capflow health --addr http://localhost:8080     # 健康检查
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/capflow/api"
	"github.com/BaSui01/capflow/config"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/BaSui01/capflow/internal/server"
	"github.com/BaSui01/capflow/internal/telemetry"
	"github.com/BaSui01/capflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "invoke":
		return runInvoke(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "health":
		return runHealthCheck(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

// loadConfig 加载并校验配置；path 为空时只使用默认值与环境变量
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (YAML or TOML)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting capflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := otelProviders.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(cfg.Server.MetricsNamespace, logger)

	loader, db, err := libraryLoader(cfg, logger)
	if err != nil {
		logger.Error("capability library source unavailable", zap.Error(err))
		return 1
	}
	if db != nil {
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()
	}

	app, err := newApp(ctx, cfg, loader, collector, logger)
	if err != nil {
		logger.Error("failed to initialize capabilities", zap.Error(err))
		return 1
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			logger.Warn("capability shutdown reported errors", zap.Error(err))
		}
	}()

	// 文件来源的能力库支持热更新
	if cfg.Library.Source != "database" && cfg.Library.WatchInterval > 0 {
		watcher, err := app.Library.Watch(ctx, loader, cfg.Library.Path, cfg.Library.WatchInterval)
		if err != nil {
			logger.Warn("capability library hot reload disabled", zap.Error(err))
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(ctx, app.Invoker, api.Config{
		CORSOrigins:    cfg.Server.CORSOrigins,
		APIKeys:        cfg.Server.APIKeys,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	},
		api.WithMetrics(collector),
		api.WithLogger(logger),
		api.WithVersion(Version),
	)

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	httpServer := server.NewManager(router, srvCfg, logger)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return 1
	}
	logger.Info("capflow started",
		zap.String("addr", httpServer.Addr()),
		zap.Int("capabilities", len(app.Library.Enabled())),
	)

	// 等待关闭信号
	httpServer.WaitForShutdown(ctx)

	logger.Info("capflow stopped")
	return 0
}

// =============================================================================
// ⚡ invoke 命令
// =============================================================================

func runInvoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (YAML or TOML)")
	libraryPath := fs.String("library", "", "Capability library file (YAML or JSON)")
	defaults := fs.String("defaults", "", "Comma-separated default connection names")
	prompt := fs.String("prompt", "", "Request prompt visible to the capability")
	timeout := fs.Duration("timeout", 5*time.Minute, "Invocation timeout")
	verbose := fs.Bool("verbose", false, "Log to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Usage: capflow invoke [options] <capability> [parameters...]")
		fs.PrintDefaults()
		return 2
	}
	name, params := fs.Arg(0), fs.Args()[1:]

	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		red.Fprintln(stderr, err)
		return 1
	}
	if *libraryPath != "" {
		cfg.Library.Source = "file"
		cfg.Library.Path = *libraryPath
	}

	logger := zap.NewNop()
	if *verbose {
		logCfg := cfg.Log
		logCfg.Format = "console"
		logCfg.OutputPaths = []string{"stderr"}
		logger = initLogger(logCfg)
		defer func() { _ = logger.Sync() }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	loader, db, err := libraryLoader(cfg, logger)
	if err != nil {
		red.Fprintln(stderr, err)
		return 1
	}
	if db != nil {
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()
	}
	app, err := newApp(ctx, cfg, loader, nil, logger)
	if err != nil {
		red.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = app.Close(context.Background()) }()

	if *defaults != "" {
		ctx = types.WithDefaultConnections(ctx, splitList(*defaults))
	}
	if *prompt != "" {
		ctx = types.WithRequest(ctx, &types.RequestContext{Prompt: *prompt})
	}

	start := time.Now()
	out, err := app.Invoker.InvokeByName(ctx, name, types.PackPositional(params...))
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		code := types.GetErrorCode(err)
		if code == "" {
			code = types.ErrInternal
		}
		red.Fprintf(stderr, "✗ %s failed [%s] after %s\n", name, code, elapsed)
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintln(stdout, out)
	green.Fprintf(stderr, "✓ %s", name)
	gray.Fprintf(stderr, " (%s)\n", elapsed)
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := checkHealth(*addr); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func checkHealth(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("status " + resp.Status)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "capflow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `capflow - declarative capability runtime

Usage:
  capflow <command> [options]

Commands:
  serve     Start the HTTP server
  invoke    Invoke one capability and print its output
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML or TOML)

Options for 'invoke':
  --library <path>    Capability library file (overrides library.path)
  --config <path>     Path to configuration file
  --defaults <names>  Comma-separated default connection names
  --prompt <text>     Request prompt
  --timeout <dur>     Invocation timeout (default 5m)
  --verbose           Log to stderr

Examples:
  capflow serve --config /etc/capflow/config.yaml
  capflow invoke --library capabilities.yaml weather Paris
  capflow health --addr http://localhost:8080
  capflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", "capflow"))
}
