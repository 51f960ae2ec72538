package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

const defaultSecret = "lucho-dev-secret"

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	StoreBackend  string `mapstructure:"store_backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisUsername string `mapstructure:"redis_username"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisTLS      bool   `mapstructure:"redis_tls"`
	BoltPath      string `mapstructure:"bolt_path"`
	CatalogFile   string `mapstructure:"catalog_file"`

	RoundDuration time.Duration `mapstructure:"round_duration"`
	RatingDelay   time.Duration `mapstructure:"rating_delay"`
	ScoresDelay   time.Duration `mapstructure:"scores_delay"`
	VoteWindow    time.Duration `mapstructure:"vote_window"`
	StateTTL      time.Duration `mapstructure:"state_ttl"`
	SelectionTTL  time.Duration `mapstructure:"selection_ttl"`
	DecayRate     float64       `mapstructure:"decay_rate"`

	SessionSecret string `mapstructure:"session_secret"`
}

// Load reads defaults, then the YAML file named by CONFIG_FILE if set, then
// environment variables (upper-cased keys, e.g. REDIS_ADDR).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("store_backend", BackendMemory)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_username", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_tls", false)
	v.SetDefault("bolt_path", "./lucho.db")
	v.SetDefault("catalog_file", "")
	v.SetDefault("round_duration", "300s")
	v.SetDefault("rating_delay", "5s")
	v.SetDefault("scores_delay", "10s")
	v.SetDefault("vote_window", "30s")
	v.SetDefault("state_ttl", "24h")
	v.SetDefault("selection_ttl", "1h")
	v.SetDefault("decay_rate", 0.05)
	v.SetDefault("session_secret", defaultSecret)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SessionSecret == defaultSecret && cfg.Mode == "release" {
		log.Warn().Str("module", "config").Msg("SESSION_SECRET not set, using the development secret")
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis backend needs REDIS_ADDR")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("bolt backend needs BOLT_PATH")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DecayRate <= 0 || c.DecayRate >= 1 {
		return fmt.Errorf("decay rate must be in (0,1), got %v", c.DecayRate)
	}
	for name, d := range map[string]time.Duration{
		"round_duration": c.RoundDuration,
		"rating_delay":   c.RatingDelay,
		"scores_delay":   c.ScoresDelay,
		"vote_window":    c.VoteWindow,
		"state_ttl":      c.StateTTL,
		"selection_ttl":  c.SelectionTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}
