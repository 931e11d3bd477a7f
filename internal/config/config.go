package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the sync engine. The degradation and
// circuit-breaker thresholds and the audit retention window are deliberately
// configuration, not constants.
type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	// Validation
	MaxPayloadBytes int

	// Locks
	LockTimeout   time.Duration
	SweepInterval time.Duration

	// Degradation
	DegradationLatencyThresholdMS float64
	DegradationErrorRateThreshold float64
	DegradationMinSamples         int
	DegradationWindowSize         int

	// Circuit breaker / recovery
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	PublishMaxRetries       int
	SnapshotCapacity        int

	// Audit
	AuditRetention time.Duration
}

func LoadConfig() (*Config, error) {
	jwtExpiry, err := getDuration("JWT_EXPIRY", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	lockTimeout, err := getDuration("LOCK_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getDuration("LOCK_SWEEP_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}
	breakerReset, err := getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := getDuration("AUDIT_RETENTION", 365*24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   jwtExpiry,

		MaxPayloadBytes: getInt("MAX_PAYLOAD_BYTES", 100*1024),

		LockTimeout:   lockTimeout,
		SweepInterval: sweepInterval,

		DegradationLatencyThresholdMS: getFloat("DEGRADATION_LATENCY_THRESHOLD_MS", 500),
		DegradationErrorRateThreshold: getFloat("DEGRADATION_ERROR_RATE_THRESHOLD", 0.1),
		DegradationMinSamples:         getInt("DEGRADATION_MIN_SAMPLES", 3),
		DegradationWindowSize:         getInt("DEGRADATION_WINDOW_SIZE", 50),

		BreakerFailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     breakerReset,
		PublishMaxRetries:       getInt("PUBLISH_MAX_RETRIES", 2),
		SnapshotCapacity:        getInt("SNAPSHOT_CAPACITY", 100),

		AuditRetention: retention,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}
