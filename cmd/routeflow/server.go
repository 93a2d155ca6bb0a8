package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/audit"
	"github.com/BaSui01/routeflow/config"
	"github.com/BaSui01/routeflow/internal/database"
	"github.com/BaSui01/routeflow/internal/server"
	"github.com/BaSui01/routeflow/routing"
	"github.com/BaSui01/routeflow/vault"
)

// ServerDeps Server 的依赖集合，由 main 装配后注入。
type ServerDeps struct {
	Engine   *routing.Engine
	Vault    *vault.Vault
	Resolver *alias.Resolver
	Audit    *audit.Recorder
	Pool     *database.PoolManager
}

// Server RouteFlow 的 HTTP 服务器。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   ServerDeps

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器实例。
func NewServer(cfg *config.Config, logger *zap.Logger, deps ServerDeps) *Server {
	return &Server{cfg: cfg, logger: logger, deps: deps}
}

// Start 启动 API 服务器与 Metrics 服务器。
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	mux.HandleFunc("/api/v1/invoke", s.handleInvoke)
	mux.HandleFunc("/api/v1/keys", s.handleKeys)
	mux.HandleFunc("/api/v1/keys/", s.handleKeyByID)
	mux.HandleFunc("/api/v1/aliases", s.handleAliases)
	mux.HandleFunc("/api/v1/aliases/", s.handleAliasByName)
	mux.HandleFunc("/api/v1/usage/summary", s.handleUsageSummary)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     server.DefaultConfig().ReadTimeout,
		WriteTimeout:    server.DefaultConfig().WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// WaitForShutdown 等待关闭信号并优雅关闭。
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 优雅关闭全部服务。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("Graceful shutdown completed")
}
