package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Strategy definitions (DCA plans, trailing stops, copy followers)
	StrategyConfigPath string

	// Engine tick loop
	TickInterval time.Duration

	// Scheduler periods
	DCAInterval      time.Duration
	TrailingInterval time.Duration
	CopyPollInterval time.Duration

	// Resilience: circuit breaker
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Resilience: rate limiter
	GlobalRPS        float64
	EndpointRPM      int
	BurstSize        int
	CooldownDuration time.Duration

	// Network call timeouts (shorter for price checks, longer for submission)
	PriceTimeout  time.Duration
	SubmitTimeout time.Duration

	// Execution
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Market feed
	FeedWSURL   string
	UseMockFeed bool
	Instruments []string

	// Mock chain client (dry-run)
	UseMockChain    bool
	MockFailureRate float64
	MockPartialRate float64
	MockLatencyMs   int

	// Ops API auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/engine.db"),
		StrategyConfigPath: getEnv("STRATEGY_CONFIG", "./config/strategies.yaml"),

		TickInterval:     getEnvDuration("TICK_INTERVAL", 2*time.Second),
		DCAInterval:      getEnvDuration("DCA_INTERVAL", 10*time.Second),
		TrailingInterval: getEnvDuration("TRAILING_INTERVAL", 3*time.Second),
		CopyPollInterval: getEnvDuration("COPY_POLL_INTERVAL", 5*time.Second),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),

		GlobalRPS:        getEnvFloat("GLOBAL_RPS", 50),
		EndpointRPM:      getEnvInt("ENDPOINT_RPM", 120),
		BurstSize:        getEnvInt("BURST_SIZE", 20),
		CooldownDuration: getEnvDuration("COOLDOWN_DURATION", 15*time.Second),

		PriceTimeout:  getEnvDuration("PRICE_TIMEOUT", 3*time.Second),
		SubmitTimeout: getEnvDuration("SUBMIT_TIMEOUT", 20*time.Second),

		MaxAttempts:    getEnvInt("MAX_ATTEMPTS", 4),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 500*time.Millisecond),
		MaxBackoff:     getEnvDuration("MAX_BACKOFF", 10*time.Second),

		FeedWSURL:   getEnv("FEED_WS_URL", ""),
		UseMockFeed: getEnv("USE_MOCK_FEED", "true") == "true",
		Instruments: splitAndTrim(getEnv("INSTRUMENTS", "SOL/USDC,BTC/USDC")),

		UseMockChain:    getEnv("USE_MOCK_CHAIN", "true") == "true",
		MockFailureRate: getEnvFloat("MOCK_FAILURE_RATE", 0),
		MockPartialRate: getEnvFloat("MOCK_PARTIAL_RATE", 0),
		MockLatencyMs:   getEnvInt("MOCK_LATENCY_MS", 0),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
