// Package config provides moderator configuration loading and validation.
// Values come from config.yml, then a .env file, then MODERATOR_-prefixed
// environment variables (dots in keys become underscores, so llm.api_key is
// MODERATOR_LLM_API_KEY).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/whisper/llm-moderator/internal/classifier"
	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/policy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODERATOR"

// Config holds moderator configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AdminToken string `mapstructure:"admin_token"`
	HookToken  string `mapstructure:"hook_token"`

	Database   DatabaseConfig   `mapstructure:"database"`
	Forum      ForumConfig      `mapstructure:"forum"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// DatabaseConfig locates the mute store database.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// ForumConfig locates the forum's own database.
type ForumConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// RedisConfig locates Redis.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig locates NATS.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// LLMConfig configures the classifier.
type LLMConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Prompt   string        `mapstructure:"prompt"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ModerationConfig holds the moderation policy.
type ModerationConfig struct {
	DefaultMuteDays  int           `mapstructure:"default_mute_days"`
	InfoLogging      bool          `mapstructure:"info_logging"`
	MutedGroup       string        `mapstructure:"muted_group"`
	UnmuteCapability string        `mapstructure:"unmute_capability"`
	Timezone         string        `mapstructure:"timezone"`
	FlagTypes        []policy.Rule `mapstructure:"flag_types"`
}

// CleanupConfig schedules the reconciler.
type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// RateLimitConfig throttles the administrative API.
type RateLimitConfig struct {
	AdminPerMinute int `mapstructure:"admin_per_minute"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("admin_token", "")
	v.SetDefault("hook_token", "")
	v.SetDefault("database.url", "")
	v.SetDefault("forum.database_url", "")
	v.SetDefault("forum.table_prefix", forum.DefaultTablePrefix)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("llm.endpoint", classifier.DefaultEndpoint)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", classifier.DefaultModel)
	v.SetDefault("llm.prompt", "")
	v.SetDefault("llm.timeout", classifier.DefaultTimeout)
	v.SetDefault("moderation.default_mute_days", policy.DefaultMuteDays)
	v.SetDefault("moderation.info_logging", false)
	v.SetDefault("moderation.muted_group", "Muted")
	v.SetDefault("moderation.unmute_capability", "wpforo_ai_can_unmute")
	v.SetDefault("moderation.timezone", "UTC")
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.lease_ttl", 5*time.Minute)
	v.SetDefault("rate_limit.admin_per_minute", 30)
}

// Load reads configuration. paths are searched for config.yml; with none
// given, the working directory and its parent are searched.
func Load(paths ...string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	}

	v := viper.New()
	if len(paths) == 0 {
		paths = []string{".", ".."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	} else {
		log.Printf("[config] loaded %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if len(cfg.Moderation.FlagTypes) == 0 {
		cfg.Moderation.FlagTypes = policy.DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

// Validate checks required values. Negative mute durations are reported but
// accepted; muting with them is refused when it happens.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if strings.TrimSpace(c.Moderation.MutedGroup) == "" {
		return errors.New("moderation.muted_group is required")
	}
	if _, err := time.LoadLocation(c.Moderation.Timezone); err != nil {
		return fmt.Errorf("moderation.timezone: %w", err)
	}
	for i, r := range c.Moderation.FlagTypes {
		if strings.TrimSpace(r.Type) == "" {
			return fmt.Errorf("moderation.flag_types[%d]: type is required", i)
		}
		if r.MuteDurationDays != nil && *r.MuteDurationDays < 0 {
			log.Printf("[config] WARNING: flag type %q has negative mute_duration_days %d; mutes for it will be refused",
				r.Type, *r.MuteDurationDays)
		}
	}
	if c.Moderation.DefaultMuteDays < 0 {
		log.Printf("[config] WARNING: moderation.default_mute_days is negative (%d)", c.Moderation.DefaultMuteDays)
	}
	if c.LLM.APIKey == "" {
		log.Println("[config] WARNING: llm.api_key is empty; content will not be classified")
	}
	if c.HookToken == "" || c.AdminToken == "" {
		log.Println("[config] WARNING: hook_token or admin_token is empty; the matching endpoints are disabled")
	}
	return nil
}

// PolicyTable builds the flag-type policy.
func (c *Config) PolicyTable() *policy.Table {
	return policy.NewTable(c.Moderation.FlagTypes, c.Moderation.DefaultMuteDays)
}

// Location returns the time zone used in user-facing messages.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Moderation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
