package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	StoreDriverRedis    = "redis"
	StoreDriverPostgres = "postgres"
)

type Config struct {
	Env  string `mapstructure:"ENV"`
	Port string `mapstructure:"PORT"`

	RedisURL  string `mapstructure:"REDIS_URL"`
	RedisPass string `mapstructure:"REDIS_PASSWORD"`
	RedisDB   int    `mapstructure:"REDIS_DB"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	// Bounded retry for claim conflicts.
	ClaimMaxRetries    int           `mapstructure:"CLAIM_MAX_RETRIES"`
	ClaimRetryInterval time.Duration `mapstructure:"CLAIM_RETRY_INTERVAL"`

	WSPushInterval time.Duration `mapstructure:"WS_PUSH_INTERVAL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"ENV", "PORT",
	"REDIS_URL", "REDIS_PASSWORD", "REDIS_DB",
	"STORE_DRIVER", "DATABASE_URL", "RABBITMQ_URL",
	"JWT_SECRET",
	"CLAIM_MAX_RETRIES", "CLAIM_RETRY_INTERVAL",
	"WS_PUSH_INTERVAL", "CORS_ORIGINS", "LOG_LEVEL",
}

// Load reads configuration from the environment (and an optional .env file
// in the working directory), applies defaults and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STORE_DRIVER", StoreDriverRedis)
	v.SetDefault("CLAIM_MAX_RETRIES", 5)
	v.SetDefault("CLAIM_RETRY_INTERVAL", 50*time.Millisecond)
	v.SetDefault("WS_PUSH_INTERVAL", 5*time.Second)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.CORSOrigins = splitOrigins(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverRedis:
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER: %q", c.StoreDriver)
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in production")
	}

	if c.ClaimMaxRetries < 0 {
		return errors.Errorf("CLAIM_MAX_RETRIES must not be negative, got %d", c.ClaimMaxRetries)
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// splitOrigins accepts both a list and a single comma separated value, since
// env vars always arrive as one string.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, origin := range strings.Split(item, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}
