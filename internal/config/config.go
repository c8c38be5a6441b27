package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	BrokerDriverMemory = "memory"
	BrokerDriverRedis  = "redis"
	BrokerDriverNATS   = "nats"

	CreateModeCheckThenCreate = "check_then_create"
	CreateModePairKey         = "pair_key"
)

type Config struct {
	Port                  string
	DBUrl                 string
	JWTSecret             string
	AppEnv                string
	StoreDriver           string
	BrokerDriver          string
	RedisURL              string
	NATSURL               string
	NodeID                int64
	CreateMode            string
	TypingQuietPeriod     time.Duration
	TypingTTL             time.Duration
	IdentityCacheTTL      time.Duration
	AllowAnonymousListing bool
	SupabaseURL           string
	SupabaseBucket        string
	SupabaseServiceKey    string
	OTel                  OTelConfig
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBUrl:                 getEnv("DB_URL", ""),
		JWTSecret:             jwtSecret,
		AppEnv:                normalizeEnv(getEnv("APP_ENV", "production")),
		StoreDriver:           strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		BrokerDriver:          strings.ToLower(getEnv("BROKER_DRIVER", BrokerDriverMemory)),
		RedisURL:              getEnv("REDIS_URL", ""),
		NATSURL:               getEnv("NATS_URL", ""),
		NodeID:                int64(getEnvInt("NODE_ID", 1)),
		CreateMode:            strings.ToLower(getEnv("CONVERSATION_CREATE_MODE", CreateModeCheckThenCreate)),
		TypingQuietPeriod:     getEnvDuration("TYPING_QUIET_PERIOD", time.Second),
		TypingTTL:             getEnvDuration("TYPING_TTL", 10*time.Second),
		IdentityCacheTTL:      getEnvDuration("IDENTITY_CACHE_TTL", 10*time.Minute),
		AllowAnonymousListing: getEnvBool("ALLOW_ANONYMOUS_LISTING", false),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseBucket:        getEnv("SUPABASE_BUCKET", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "marketplace-chat"),
			ServiceVersion: getEnv("SERVICE_VERSION", "dev"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DBUrl == "" {
			return fmt.Errorf("DB_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.BrokerDriver {
	case BrokerDriverMemory:
	case BrokerDriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when BROKER_DRIVER=%s", BrokerDriverRedis)
		}
	case BrokerDriverNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when BROKER_DRIVER=%s", BrokerDriverNATS)
		}
	default:
		return fmt.Errorf("unsupported BROKER_DRIVER %q", c.BrokerDriver)
	}

	switch c.CreateMode {
	case CreateModeCheckThenCreate, CreateModePairKey:
	default:
		return fmt.Errorf("unsupported CONVERSATION_CREATE_MODE %q", c.CreateMode)
	}

	if c.TypingQuietPeriod <= 0 {
		return fmt.Errorf("TYPING_QUIET_PERIOD must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
