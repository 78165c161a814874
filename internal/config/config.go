package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Panel          PanelConfig
	Sweeper        SweeperConfig
	Notifier       NotifierConfig
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	InternalSecret string `env:"INTERNAL_SECRET"`
}

type ServerConfig struct {
	Port string `env:"SERVER_PORT" envDefault:"8005"`
	Mode string `env:"GIN_MODE" envDefault:"release"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"saas_user"`
	Password string `env:"DB_PASSWORD" envDefault:"saas_pass"`
	DBName   string `env:"DB_NAME" envDefault:"saas_db"`
	Schema   string `env:"DB_SCHEMA" envDefault:"panel_orders"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns int32  `env:"DB_MIN_CONNS" envDefault:"5"`
}

type JWTConfig struct {
	SecretKey string `env:"JWT_SECRET_KEY"`
}

// PanelConfig controls how the service talks to 3x-ui panels.
type PanelConfig struct {
	RequestTimeout time.Duration `env:"PANEL_REQUEST_TIMEOUT" envDefault:"20s"`
	// Most panels run on self-signed certificates.
	VerifyTLS bool `env:"PANEL_VERIFY_TLS" envDefault:"false"`
}

type SweeperConfig struct {
	Enabled     bool          `env:"SWEEPER_ENABLED" envDefault:"true"`
	Interval    time.Duration `env:"SWEEPER_INTERVAL" envDefault:"1s"`
	Concurrency int           `env:"SWEEPER_CONCURRENCY" envDefault:"4"`
	BatchSize   int           `env:"SWEEPER_BATCH_SIZE" envDefault:"100"`
	ClaimTTL    time.Duration `env:"SWEEPER_CLAIM_TTL" envDefault:"2m"`
}

type NotifierConfig struct {
	URL     string        `env:"NOTIFIER_URL" envDefault:"http://localhost:8090"`
	Timeout time.Duration `env:"NOTIFIER_TIMEOUT" envDefault:"10s"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// 日志脱敏: 不记录敏感配置
	slog.Info("config loaded",
		"component", "config",
		"port", cfg.Server.Port,
		"db", cfg.Database.Host+"/"+cfg.Database.DBName+"."+cfg.Database.Schema,
		"sweeper_interval", cfg.Sweeper.Interval,
		"notifier", cfg.Notifier.URL)

	return cfg, nil
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("SWEEPER_INTERVAL must be positive")
	}
	if c.Sweeper.Concurrency <= 0 {
		return fmt.Errorf("SWEEPER_CONCURRENCY must be positive")
	}
	if c.Panel.RequestTimeout <= 0 {
		return fmt.Errorf("PANEL_REQUEST_TIMEOUT must be positive")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
