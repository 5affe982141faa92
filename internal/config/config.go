// Package config loads service configuration from the environment, with an
// optional config.yaml for local development. Environment variables use the
// APPROVALS_ prefix and override file values (APPROVALS_DATABASE_HOST, ...).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LadderConfig is the escalation ladder for one rule type: role codes ordered
// from lowest to highest authority, plus the last-resort default approver.
type LadderConfig struct {
	Tiers             []string `mapstructure:"tiers"`
	DefaultApproverID string   `mapstructure:"default_approver_id"`
}

// Config is the full service configuration.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Version     string `mapstructure:"version"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"service"`

	Server struct {
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Database struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		User        string        `mapstructure:"user"`
		Password    string        `mapstructure:"password"`
		Database    string        `mapstructure:"database"`
		SSLMode     string        `mapstructure:"ssl_mode"`
		MaxConns    int32         `mapstructure:"max_conns"`
		MinConns    int32         `mapstructure:"min_conns"`
		MaxConnTime time.Duration `mapstructure:"max_conn_time"`
		MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	} `mapstructure:"database"`

	NATS struct {
		URL     string `mapstructure:"url"`
		Enabled bool   `mapstructure:"enabled"`
	} `mapstructure:"nats"`

	Directory struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"directory"`

	Approvals struct {
		// OverrideRole is the role whose holders may decide steps assigned
		// to someone else. Empty disables overrides entirely.
		OverrideRole string `mapstructure:"override_role"`
		// Ladders maps rule_type to its escalation ladder.
		Ladders map[string]LadderConfig `mapstructure:"ladders"`
		// Subjects maps subject_type to the base URL of the service that
		// owns it, used by the side-effect dispatcher.
		Subjects map[string]string `mapstructure:"subjects"`
	} `mapstructure:"approvals"`
}

// Load reads configuration and applies defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("service.name", "approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("directory.base_url", "http://localhost:8081")
	v.SetDefault("directory.timeout", 5*time.Second)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("APPROVALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; only a malformed file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
