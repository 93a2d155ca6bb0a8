// Package config 统一配置加载，支持 YAML 文件 + 环境变量覆盖。
// 配置优先级: 默认值 → YAML 文件 → 环境变量。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config 是 routeflow 的完整配置结构。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Vault    VaultConfig    `yaml:"vault"`
	Log      LogConfig      `yaml:"log"`
	Pricing  []PriceConfig  `yaml:"pricing"`
}

// ServerConfig 服务器配置。
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置。Driver 支持 sqlite 与 postgres。
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig 速率窗口的 Redis 配置。Addr 为空表示使用进程内限速器。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VaultConfig 凭据仓库配置。EncryptionKey 是 base64 编码的 AES 密钥。
type VaultConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level  string `yaml:"level"`  // debug/info/warn/error
	Format string `yaml:"format"` // json/console
}

// PriceConfig 单个模型的注入价格。
type PriceConfig struct {
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	PriceInput   float64 `yaml:"price_input"`    // USD per 1K tokens
	PriceOutput  float64 `yaml:"price_output"`   // USD per 1K tokens
	PricePerCall float64 `yaml:"price_per_call"` // USD per request
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "routeflow.db",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load 加载配置。path 为空或文件不存在时只应用默认值和环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Vault.EncryptionKey == "" {
		return nil, fmt.Errorf("vault.encryption_key is required (or set ROUTEFLOW_ENCRYPTION_KEY)")
	}
	return cfg, nil
}

// applyEnv 应用环境变量覆盖。
func applyEnv(cfg *Config) {
	if v := os.Getenv("ROUTEFLOW_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("ROUTEFLOW_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ROUTEFLOW_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ROUTEFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ROUTEFLOW_ENCRYPTION_KEY"); v != "" {
		cfg.Vault.EncryptionKey = v
	}
	if v := os.Getenv("ROUTEFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// NewLogger 按日志配置构建 zap.Logger。
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
