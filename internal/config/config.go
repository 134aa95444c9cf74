package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	JWTSecret string          `mapstructure:"jwt_secret"`
	Env       string          `mapstructure:"env"` // development or production
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type EngineConfig struct {
	MaxConcurrentExecutions int      `mapstructure:"max_concurrent_executions"`
	DefaultTimeoutSeconds   int      `mapstructure:"default_timeout_seconds"`
	DefaultRateLimit        int      `mapstructure:"default_rate_limit_per_minute"`
	RetryBackoffBaseMs      int      `mapstructure:"retry_backoff_base_ms"`
	MaintenanceIntervalSec  int      `mapstructure:"maintenance_interval_seconds"`
	WindowRetentionMinutes  int      `mapstructure:"window_retention_minutes"`
	CriticalFlows           []string `mapstructure:"critical_flows"`
}

type DiscoveryConfig struct {
	BaseURL            string   `mapstructure:"base_url"`
	MaxElementsPerPage int      `mapstructure:"max_elements_per_page"`
	MinElementSizePx   int      `mapstructure:"min_element_size_px"`
	ExcludedTags       []string `mapstructure:"excluded_tags"`
	MonitorIntervalSec int      `mapstructure:"monitor_interval_seconds"`
	SessionTTLMinutes  int      `mapstructure:"session_ttl_minutes"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// IsProduction returns true when the deployment environment is production.
// Security validation uses this to decide whether localhost targets warrant a warning.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("database.path", "./data")
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("env", "development")

	viper.SetDefault("engine.max_concurrent_executions", 50)
	viper.SetDefault("engine.default_timeout_seconds", 30)
	viper.SetDefault("engine.default_rate_limit_per_minute", 60)
	viper.SetDefault("engine.retry_backoff_base_ms", 500)
	viper.SetDefault("engine.maintenance_interval_seconds", 60)
	viper.SetDefault("engine.window_retention_minutes", 60)
	viper.SetDefault("engine.critical_flows", []string{"ManageFiles:upload-section"})

	viper.SetDefault("discovery.base_url", "http://localhost:3000")
	viper.SetDefault("discovery.max_elements_per_page", 1000)
	viper.SetDefault("discovery.min_element_size_px", 10)
	viper.SetDefault("discovery.excluded_tags", []string{
		"script", "style", "meta", "link", "head", "title", "noscript", "br", "hr",
	})
	viper.SetDefault("discovery.monitor_interval_seconds", 5)
	viper.SetDefault("discovery.session_ttl_minutes", 30)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus environment variables are a complete config.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
