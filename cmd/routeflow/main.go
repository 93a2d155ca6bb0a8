// =============================================================================
// RouteFlow 主入口
// =============================================================================
// AI 厂商路由与降级引擎的服务入口，包含 HTTP API、健康检查、Prometheus 指标
//
// 使用方法:
//
//	routeflow serve                       # 启动服务
//	routeflow serve --config config.yaml  # 指定配置文件
//	routeflow version                     # 显示版本信息
//	routeflow health                      # 健康检查
// =============================================================================
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/audit"
	"github.com/BaSui01/routeflow/config"
	"github.com/BaSui01/routeflow/internal/database"
	"github.com/BaSui01/routeflow/internal/metrics"
	"github.com/BaSui01/routeflow/ledger"
	"github.com/BaSui01/routeflow/providers"
	"github.com/BaSui01/routeflow/providers/anthropic"
	"github.com/BaSui01/routeflow/providers/gemini"
	"github.com/BaSui01/routeflow/providers/openai"
	"github.com/BaSui01/routeflow/providers/openrouter"
	"github.com/BaSui01/routeflow/providers/stability"
	"github.com/BaSui01/routeflow/routing"
	"github.com/BaSui01/routeflow/vault"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting RouteFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	if err := db.AutoMigrate(&vault.ProviderKey{}, &alias.ModelAlias{}, &audit.CallLog{}); err != nil {
		logger.Fatal("Database auto-migrate failed", zap.Error(err))
	}

	pool, err := database.NewPoolManager(db, 30*time.Second, logger)
	if err != nil {
		logger.Fatal("Failed to init database pool", zap.Error(err))
	}
	defer pool.Close()

	cipher, err := vault.NewCipherFromBase64(cfg.Vault.EncryptionKey)
	if err != nil {
		logger.Fatal("Invalid vault encryption key", zap.Error(err))
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		logger.Info("Redis rate window enabled", zap.String("addr", cfg.Redis.Addr))
	}

	registry := buildRegistry(logger)
	costs := buildCostTable(cfg.Pricing)
	recorder := audit.NewRecorder(db, logger)
	defer recorder.Close()

	v := vault.NewVault(db, cipher, registry, recorder, logger)
	resolver := alias.NewResolver(db, logger)
	window := ledger.NewRateWindow(rdb, logger)
	budgets := ledger.NewLedger(db, window, logger)
	collector := metrics.NewCollector("routeflow", logger)

	engine := routing.NewEngine(routing.Options{
		Resolver: resolver,
		Vault:    v,
		Ledger:   budgets,
		Registry: registry,
		Costs:    costs,
		Audit:    recorder,
		Metrics:  collector,
		Logger:   logger,
	})

	server := NewServer(cfg, logger, ServerDeps{
		Engine:   engine,
		Vault:    v,
		Resolver: resolver,
		Audit:    recorder,
		Pool:     pool,
	})
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()
	logger.Info("RouteFlow stopped")
}

// buildRegistry 注册全部内置厂商适配器。
// OpenRouter 作为二级聚合商注册，链构建时受别名的 allow_aggregators 约束。
func buildRegistry(logger *zap.Logger) *providers.Registry {
	registry := providers.NewRegistry()
	registry.Register("openai", openai.New(logger))
	registry.Register("anthropic", anthropic.New(logger))
	registry.Register("gemini", gemini.New(logger))
	registry.Register("stability", stability.New(logger))
	registry.RegisterAggregator("openrouter", openrouter.New(logger))
	return registry
}

// buildCostTable 从配置注入价格表。
func buildCostTable(pricing []config.PriceConfig) *providers.CostTable {
	costs := providers.NewCostTable()
	for _, p := range pricing {
		costs.SetPrice(providers.ModelPrice{
			Provider:     p.Provider,
			Model:        p.Model,
			PriceInput:   p.PriceInput,
			PriceOutput:  p.PriceOutput,
			PricePerCall: p.PricePerCall,
		})
	}
	return costs
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("RouteFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`RouteFlow - AI Provider Routing & Fallback Engine

Usage:
  routeflow <command> [options]

Commands:
  serve     Start the RouteFlow server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  routeflow serve
  routeflow serve --config /etc/routeflow/config.yaml
  routeflow health --addr http://localhost:8080
  routeflow version`)
}
