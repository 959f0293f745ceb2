package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// minTestModeTimeout floors the accelerated no-show timeout so a demo still
// has time to click the arrive button.
const minTestModeTimeout = 5 * time.Second

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NoShowTimeout is the effective called-token deadline: the configured
	// NO_SHOW_TIMEOUT_MINUTES, divided by 10 when TEST_MODE_ENABLED is set.
	NoShowTimeout   time.Duration
	TestModeEnabled bool

	SweepInterval  time.Duration
	SweepBatchSize int

	RateLimitPerMinute        int
	RateLimitBurst            int
	SessionRateLimitPerMinute int
	SessionRateLimitBurst     int
}

func Load() Config {
	// A missing .env is fine; env vars win either way.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	testMode := readBool("TEST_MODE_ENABLED", false)
	noShowTimeout := time.Duration(readInt("NO_SHOW_TIMEOUT_MINUTES", 5)) * time.Minute
	if testMode {
		noShowTimeout /= 10
		if noShowTimeout < minTestModeTimeout {
			noShowTimeout = minTestModeTimeout
		}
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),

		NoShowTimeout:   noShowTimeout,
		TestModeEnabled: testMode,

		SweepInterval:  readDurationSeconds("SWEEP_INTERVAL_SECONDS", 30),
		SweepBatchSize: readInt("SWEEP_BATCH_SIZE", 100),

		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		SessionRateLimitPerMinute: readInt("SESSION_RATE_LIMIT_PER_MIN", 600),
		SessionRateLimitBurst:     readInt("SESSION_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
