// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Clearing ClearingConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type ClearingConfig struct {
	// Regions this instance schedules windows for.
	Regions []string
	// WindowDuration is the span from window start to cutoff.
	WindowDuration time.Duration
	// GracePeriod admits late obligations after cutoff, tagged for audit.
	GracePeriod time.Duration
	// SettlementDeadline is how long after instruction creation settlement
	// must be accepted.
	SettlementDeadline time.Duration
	// SchedulerTick drives window state transitions.
	SchedulerTick time.Duration
	// DustThreshold removes optimized edges below this amount.
	DustThreshold decimal.Decimal
	// MaxAmount is the largest representable amount; aggregation beyond it is
	// a calculation overflow.
	MaxAmount decimal.Decimal
	// PersistRetries bounds persistence retry attempts.
	PersistRetries int
	// PersistBackoff is the initial retry backoff, doubled per attempt.
	PersistBackoff time.Duration
	// LeaseTTL bounds scheduler and orchestrator leases so a crashed
	// processor cannot stall a window.
	LeaseTTL time.Duration
	// Workers caps concurrent per-currency optimization goroutines.
	Workers int
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Clearing: ClearingConfig{
			Regions:            getSliceEnv("CLEARING_REGIONS", []string{"global"}),
			WindowDuration:     getDurationEnv("CLEARING_WINDOW_DURATION", 6*time.Hour),
			GracePeriod:        getDurationEnv("CLEARING_GRACE_PERIOD", 30*time.Minute),
			SettlementDeadline: getDurationEnv("CLEARING_SETTLEMENT_DEADLINE", 24*time.Hour),
			SchedulerTick:      getDurationEnv("CLEARING_SCHEDULER_TICK", 15*time.Second),
			DustThreshold:      getDecimalEnv("CLEARING_DUST_THRESHOLD", "0.00000001"),
			MaxAmount:          getDecimalEnv("CLEARING_MAX_AMOUNT", "1000000000000000"),
			PersistRetries:     getIntEnv("CLEARING_PERSIST_RETRIES", 5),
			PersistBackoff:     getDurationEnv("CLEARING_PERSIST_BACKOFF", 500*time.Millisecond),
			LeaseTTL:           getDurationEnv("CLEARING_LEASE_TTL", 2*time.Minute),
			Workers:            getIntEnv("CLEARING_WORKERS", 4),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getDecimalEnv(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultValue)
	return d
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
