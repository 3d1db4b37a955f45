package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the loaded configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTierConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// WebhookSecret is the shared secret used to verify inbound
	// billing-provider events.
	WebhookSecret string

	// WebhookToleranceSeconds bounds the age of a signed event timestamp.
	// Zero disables the check.
	WebhookToleranceSeconds int

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// RedisAddr enables the cross-replica webhook lock when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TierOverrides holds raw "name:limit:hardcap:base:unitprice:unitsize"
	// entries parsed by the tier catalog.
	TierOverrides []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:                 getenv("APP_SERVICE", "metergate"),
		AppVersion:              getenv("APP_VERSION", "0.1.0"),
		Environment:             getenv("ENVIRONMENT", "development"),
		HTTPAddr:                getenv("HTTP_ADDR", ":8080"),
		WebhookSecret:           strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
		WebhookToleranceSeconds: getenvInt("BILLING_WEBHOOK_TOLERANCE_SECONDS", 300),
		OTLPEndpoint:            getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:                  getenv("DATABASE_TYPE", "postgres"),
		DBHost:                  getenv("DATABASE_HOST", "localhost"),
		DBPort:                  getenv("DATABASE_PORT", "5432"),
		DBName:                  getenv("DATABASE_NAME", "metergate"),
		DBUser:                  getenv("DATABASE_USER", "postgres"),
		DBPassword:              getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:               getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:           getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:           getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:       getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		RedisAddr:               strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:           strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:                 getenvInt("REDIS_DB", 0),
	}

	if raw := strings.TrimSpace(getenv("TIER_OVERRIDES", "")); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.TierOverrides = append(cfg.TierOverrides, entry)
			}
		}
	}

	return cfg
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, raw, fallback)
		return fallback
	}
	return value
}
