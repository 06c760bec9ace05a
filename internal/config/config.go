package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV" validate:"oneof=development staging production test"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Store       string `mapstructure:"STORE" validate:"oneof=postgres memory"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthDepartment string `mapstructure:"AUTH_DEPARTMENT"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	PagerChannel string `mapstructure:"PAGER_CHANNEL"`

	AMQPURL        string `mapstructure:"AMQP_URL"`
	OrderExchange  string `mapstructure:"ORDER_EXCHANGE"`
	ResultQueue    string `mapstructure:"RESULT_QUEUE"`
	ResultPrefetch int    `mapstructure:"RESULT_PREFETCH" validate:"gte=1"`

	RegistryURL      string        `mapstructure:"REGISTRY_URL"`
	RegistryToken    string        `mapstructure:"REGISTRY_TOKEN"`
	RegistryCacheTTL time.Duration `mapstructure:"REGISTRY_CACHE_TTL"`

	FacilityFile string `mapstructure:"FACILITY_FILE" validate:"required"`
	RulesFile    string `mapstructure:"RULES_FILE"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	NotifyTimeout  time.Duration `mapstructure:"NOTIFY_TIMEOUT" validate:"gt=0"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "AUTH_DEPARTMENT",
	"REDIS_URL", "PAGER_CHANNEL",
	"AMQP_URL", "ORDER_EXCHANGE", "RESULT_QUEUE", "RESULT_PREFETCH",
	"REGISTRY_URL", "REGISTRY_TOKEN", "REGISTRY_CACHE_TTL",
	"FACILITY_FILE", "RULES_FILE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "NOTIFY_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PAGER_CHANNEL", "ed.pages")
	v.SetDefault("ORDER_EXCHANGE", "ed.orders")
	v.SetDefault("RESULT_QUEUE", "ed.order_results")
	v.SetDefault("RESULT_PREFETCH", 10)
	v.SetDefault("REGISTRY_CACHE_TTL", "15m")
	v.SetDefault("FACILITY_FILE", "configs/facility.yaml")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=postgres")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development selects "development" (no
// auth, every request is an admin) and anything else selects "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt needs AUTH_SIGNING_KEY, AUTH_ISSUER or AUTH_JWKS_URL")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY (HS256) is not allowed in production; configure AUTH_ISSUER")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
