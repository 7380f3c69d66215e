// Package config loads engine settings from a TOML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env      string         `toml:"env"`
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Log      LogConfig      `toml:"log"`

	// Vouchers maps a 32-hex code to its PKR amount.
	Vouchers map[string]int64 `toml:"vouchers"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// URL is a file path for sqlite or a DSN for postgres.
	URL string `toml:"url"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

type EngineConfig struct {
	RetryAttempts            int      `toml:"retry_attempts"`
	RetryBackoff             Duration `toml:"retry_backoff"`
	BlockedCountries         []string `toml:"blocked_countries"`
	DefaultMinimumWithdrawal int64    `toml:"default_minimum_withdrawal"`
	NotifyQueueSize          int      `toml:"notify_queue_size"`
	ReconcileInterval        Duration `toml:"reconcile_interval"`
	ReconcileEnabled         bool     `toml:"reconcile_enabled"`
	TaskRewardCommission     bool     `toml:"task_reward_commission"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Duration decodes TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() Config {
	return Config{
		Env: "development",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			AllowedOrigins:  []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "commission.db",
		},
		Redis: RedisConfig{
			Channel: "ledger-events",
		},
		Engine: EngineConfig{
			RetryAttempts:            3,
			RetryBackoff:             Duration{10 * time.Millisecond},
			DefaultMinimumWithdrawal: 2000,
			NotifyQueueSize:          1024,
			ReconcileInterval:        Duration{time.Hour},
			ReconcileEnabled:         true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (optional), then .env (optional), then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := GetEnv("PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	c.Database.Driver = GetEnv("DB_DRIVER", c.Database.Driver)
	c.Database.URL = GetEnv("DATABASE_URL", c.Database.URL)
	c.Redis.Addr = GetEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Env = GetEnv("ENV", c.Env)
	c.Log.Level = GetEnv("LOG_LEVEL", c.Log.Level)
	return nil
}

// Validate rejects settings the engine can't run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Engine.RetryAttempts < 1 {
		return errors.New("engine retry_attempts must be at least 1")
	}
	for code, amount := range c.Vouchers {
		if amount <= 0 {
			return fmt.Errorf("voucher %s: amount must be positive", code)
		}
	}
	return nil
}

// IsProduction checks if the app runs in production mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// VoucherAmounts converts the voucher table to decimal amounts keyed by
// lower-case code.
func (c Config) VoucherAmounts() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Vouchers))
	for code, amount := range c.Vouchers {
		out[strings.ToLower(strings.TrimSpace(code))] = decimal.NewFromInt(amount)
	}
	return out
}

// GetEnv returns an environment variable or a default value.
func GetEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}
