package api

import (
	"context"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config HTTP 前端配置
type Config struct {
	CORSOrigins    []string
	APIKeys        []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Option 配置 Server
type Option func(*Server)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithGatherer 设置 /metrics 暴露的 Gatherer，默认 prometheus.DefaultGatherer
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion 设置 /health 报告的版本号
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server 持有 HTTP 处理器的依赖
type Server struct {
	invoker  *capability.Invoker
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	policy   *bluemonday.Policy
	version  string
	logger   *zap.Logger
}

// NewRouter 构建 gin 引擎。ctx 结束时限流器的后台清理协程随之退出
func NewRouter(ctx context.Context, invoker *capability.Invoker, cfg Config, opts ...Option) *gin.Engine {
	s := &Server{
		invoker:  invoker,
		gatherer: prometheus.DefaultGatherer,
		policy:   bluemonday.UGCPolicy(),
		version:  "dev",
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "api"))

	r := gin.New()
	r.Use(
		RequestID(),
		Recovery(s.logger),
		RequestLogger(s.logger),
		Metrics(s.metrics),
		SecurityHeaders(),
	)
	if h := CORS(cfg.CORSOrigins); h != nil {
		r.Use(h)
	}
	r.Use(
		APIKeyAuth(cfg.APIKeys, []string{"/health", "/metrics"}, s.logger),
		RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger),
	)

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	{
		v1.GET("/capabilities", s.listCapabilities)
		v1.POST("/capabilities/:name/invoke", s.invoke)
	}
	return r
}
