// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/basui-dev/llmgateway/api/handlers"
	"github.com/basui-dev/llmgateway/config"
	"github.com/basui-dev/llmgateway/internal/metrics"
	"github.com/basui-dev/llmgateway/internal/pool"
	"github.com/basui-dev/llmgateway/internal/server"
	"github.com/basui-dev/llmgateway/internal/telemetry"
	"github.com/basui-dev/llmgateway/llm"
	"github.com/basui-dev/llmgateway/llm/audit"
	"github.com/basui-dev/llmgateway/llm/cache"
	"github.com/basui-dev/llmgateway/llm/factory"
	"github.com/basui-dev/llmgateway/llm/gateway"
	"github.com/basui-dev/llmgateway/llm/health"
	"github.com/basui-dev/llmgateway/llm/observability"
	"github.com/basui-dev/llmgateway/llm/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server 是 AgentFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	telemetry  *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler

	// 路由网关：Providers/Router/Cache/Health/Audit 的装配体
	gatewayAgent  *gateway.Agent
	healthChecker *health.Checker
	persistPool   *pool.GoroutinePool

	// 指标收集器
	metricsCollector *metrics.Collector

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		telemetry:  otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化 Handlers（含路由网关装配）
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers，并装配路由网关（gateway.Agent）：
// providers -> router -> health tracker -> cache -> audit sink。
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	agent, checker, err := s.buildGatewayAgent()
	if err != nil {
		return fmt.Errorf("failed to build gateway agent: %w", err)
	}
	s.gatewayAgent = agent
	s.healthChecker = checker
	s.chatHandler = handlers.NewChatHandler(agent, s.logger)

	if checker != nil {
		go checker.Start(context.Background())
	}

	// 就绪探针：至少一个 Provider 处于非 Unhealthy 状态才放行流量
	s.healthHandler.RegisterCheck(&gatewayReadinessCheck{agent: agent})

	s.logger.Info("Handlers initialized", zap.Int("providers", len(agent.Providers)))
	return nil
}

// gatewayReadinessCheck 供 /ready 使用的最小就绪检查。
type gatewayReadinessCheck struct {
	agent *gateway.Agent
}

func (c *gatewayReadinessCheck) Name() string { return "gateway_providers" }

func (c *gatewayReadinessCheck) Check(ctx context.Context) error {
	for id := range c.agent.Providers {
		if c.agent.Tracker.StatusOf(id) != health.StatusUnhealthy {
			return nil
		}
	}
	return fmt.Errorf("no healthy providers")
}

// buildGatewayAgent constructs the Routing Agent from s.cfg.Gateway: builds
// every configured provider via llm/factory, registers them with a
// router.Router seeded from the rule/prefix tables, wires a health.Tracker
// (and optional health.Checker), an optional two-level cache, and an
// optional audit sink.
func (s *Server) buildGatewayAgent() (*gateway.Agent, *health.Checker, error) {
	gcfg := s.cfg.Gateway

	providers := make(map[string]llm.Provider, len(gcfg.Providers))
	entries := make([]router.ProviderEntry, 0, len(gcfg.Providers))
	for _, pc := range gcfg.Providers {
		p, err := factory.NewProviderFromConfig(pc.FactoryName, factory.ProviderConfig{
			APIKey:    pc.APIKey,
			APIKeys:   pc.APIKeys,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			Timeout:   pc.Timeout,
			Extra:     pc.Extra,
			Resilient: pc.Resilient,
		}, s.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}
		providers[pc.ID] = p
		entries = append(entries, router.ProviderEntry{
			ID:       pc.ID,
			Weight:   pc.Weight,
			Priority: pc.Priority,
			Capabilities: router.Capabilities{
				Streaming:       pc.Capabilities.Streaming,
				FunctionCalling: pc.Capabilities.FunctionCalling,
				JSONMode:        pc.Capabilities.JSONMode,
				Vision:          pc.Capabilities.Vision,
				ModelAliases:    pc.Capabilities.ModelAliases,
			},
		})
	}

	builder := audit.NewBuilder(gcfg.ID, Version)

	var sink *audit.SinkClient
	if gcfg.AuditSink.Enabled {
		transport := audit.NewHTTPTransport(gcfg.AuditSink.BaseURL, gcfg.AuditSink.BearerAuth)
		policy := audit.RetryPolicy{
			MaxRetries:   gcfg.AuditSink.MaxRetries,
			InitialDelay: gcfg.AuditSink.InitialDelay,
			MaxDelay:     gcfg.AuditSink.MaxDelay,
			Multiplier:   2.0,
		}
		mode := audit.ModeBestEffort
		if gcfg.AuditSink.Required {
			mode = audit.ModeRequired
		}
		ctx, cancel := context.WithTimeout(context.Background(), gcfg.HealthCheckTimeout)
		defer cancel()
		s2, err := audit.NewSinkClient(ctx, transport, policy, mode, s.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("audit sink: %w", err)
		}
		sink = s2
	}

	// 健康状态跨阈值时除记日志外，同时向审计管道落一条
	// ProviderHealthChange 事件（尽力而为，绝不阻塞调用路径）。
	tracker := health.NewTracker(func(provider string, status health.Status, score float64) {
		s.logger.Info("provider health transition",
			zap.String("provider", provider),
			zap.String("status", string(status)),
			zap.Float64("score", score),
		)
		if sink == nil {
			return
		}
		event := builder.HealthChangeEvent(provider, string(status), score)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Persist(ctx, event); err != nil {
				s.logger.Warn("failed to persist health change event", zap.Error(err), zap.String("provider", provider))
			}
		}()
	})

	rt := router.NewRouter(tracker, router.Strategy(gcfg.DefaultStrategy))
	for _, e := range entries {
		rt.RegisterProvider(e)
	}

	rules := make([]router.Rule, 0, len(gcfg.Rules))
	for _, rc := range gcfg.Rules {
		rules = append(rules, router.Rule{
			ID:       rc.ID,
			Priority: rc.Priority,
			Condition: router.Condition{
				ModelPrefix:    rc.ModelPrefix,
				TenantID:       rc.TenantID,
				Tags:           rc.Tags,
				RequiresStream: rc.RequiresStream,
			},
			Providers:    rc.Providers,
			ModelRewrite: rc.ModelRewrite,
			Strategy:     router.Strategy(rc.Strategy),
		})
	}
	rt.SetRules(rules)

	if len(gcfg.PrefixRules) > 0 {
		prefixRules := make([]router.PrefixRule, 0, len(gcfg.PrefixRules))
		for _, p := range gcfg.PrefixRules {
			prefixRules = append(prefixRules, router.PrefixRule{Prefix: p.Prefix, Provider: p.Provider})
		}
		rt.SetPrefixRouter(router.NewPrefixRouter(prefixRules))
	}

	var checker *health.Checker
	if gcfg.HealthCheckInterval > 0 {
		checker = health.NewChecker(tracker, providers, gcfg.HealthCheckInterval, gcfg.HealthCheckTimeout, s.logger)
	}

	var mlCache *cache.MultiLevelCache
	if gcfg.Cache.Enabled {
		var rdb *redis.Client
		if s.cfg.Redis.Addr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:         s.cfg.Redis.Addr,
				Password:     s.cfg.Redis.Password,
				DB:           s.cfg.Redis.DB,
				PoolSize:     s.cfg.Redis.PoolSize,
				MinIdleConns: s.cfg.Redis.MinIdleConns,
			})
		}
		cacheConfig := cache.DefaultCacheConfig()
		cacheConfig.LocalMaxSize = gcfg.Cache.LocalMaxSize
		cacheConfig.LocalTTL = gcfg.Cache.LocalTTL
		cacheConfig.RedisTTL = gcfg.Cache.RedisTTL
		cacheConfig.EnableRedis = rdb != nil
		mlCache = cache.NewMultiLevelCache(rdb, cacheConfig, s.logger)
	}

	llmMetrics, err := observability.NewMetrics()
	if err != nil {
		s.logger.Warn("failed to initialize llm metrics", zap.Error(err))
		llmMetrics = nil
	}

	s.persistPool = pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig())

	agent := &gateway.Agent{
		ID:            gcfg.ID,
		Version:       Version,
		Providers:     providers,
		Router:        rt,
		Tracker:       tracker,
		Cache:         mlCache,
		Audit:         builder,
		Sink:          sink,
		CachePrefix:   gcfg.Cache.KeyPrefix,
		CacheEnabled:  gcfg.Cache.Enabled,
		UnaryTimeout:  gcfg.UnaryTimeout,
		StreamTimeout: gcfg.StreamTimeout,
		Metrics:       llmMetrics,
		Costs:         observability.NewCostTracker(observability.NewCostCalculator()),
		CostBudgetUSD: gcfg.CostBudgetUSD,
		TokenBudget:   gcfg.TokenBudget,
		PersistPool:   s.persistPool,
		Logger:        s.logger,
	}

	return agent, checker, nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/chat/completions/stream", s.chatHandler.HandleStream)
	mux.HandleFunc("/v1/models", s.chatHandler.HandleListModels)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		SecurityHeaders(),
		RequestID(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Server.JWT, skipAuthPaths, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
		TenantRateLimiter(context.Background(), float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,                        // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止健康检查轮询与审计持久化池
	if s.healthChecker != nil {
		s.healthChecker.Stop()
	}
	if s.persistPool != nil {
		s.persistPool.Close()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭遥测
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 5. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
