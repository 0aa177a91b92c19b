// Package config loads engine configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the reconciliation engine.
type Config struct {
	Port         string
	DatabaseURL  string // empty = in-memory store
	RedisURL     string // empty = no cache layer
	GeminiAPIKey string // empty = inference fallback disabled

	ProviderURL    string // empty = stub provider (no live market data)
	ProviderAPIKey string

	// TradeGroupGap is the time gap separating two round trips in the same
	// symbol. Executions closer together than this are folded into one
	// Trade even if the position briefly touched zero.
	TradeGroupGap time.Duration

	// ImportTimeout bounds a single background import run.
	ImportTimeout time.Duration

	// SplitLookback is how far back the adjuster asks the provider for splits.
	SplitLookback time.Duration

	// SplitSweepInterval is how often each symbol is re-checked for splits.
	SplitSweepInterval time.Duration

	// SplitSymbolDelay is the pause between symbols in one sweep, to stay
	// under the provider's rate limits.
	SplitSymbolDelay time.Duration

	// ProviderRPS is the per-second request budget for per-CUSIP lookups.
	ProviderRPS float64

	// ResolverConcurrency bounds concurrent per-CUSIP provider lookups.
	ResolverConcurrency int

	LogLevel string
}

// Load reads configuration from the environment. Missing values fall back
// to defaults suitable for local development.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using OS environment and defaults")
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		ProviderURL:    getEnv("PROVIDER_URL", ""),
		ProviderAPIKey: getEnv("PROVIDER_API_KEY", ""),

		TradeGroupGap:      getEnvAsDuration("TRADE_GROUP_GAP", 60*time.Minute),
		ImportTimeout:      getEnvAsDuration("IMPORT_TIMEOUT", 10*time.Minute),
		SplitLookback:      getEnvAsDuration("SPLIT_LOOKBACK", 365*24*time.Hour),
		SplitSweepInterval: getEnvAsDuration("SPLIT_SWEEP_INTERVAL", 24*time.Hour),
		SplitSymbolDelay:   getEnvAsDuration("SPLIT_SYMBOL_DELAY", 2*time.Second),

		ProviderRPS:         getEnvAsFloat("PROVIDER_RPS", 5),
		ResolverConcurrency: getEnvAsInt("RESOLVER_CONCURRENCY", 4),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid integer for %s (%q), using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvAsFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("invalid float for %s (%q), using default %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid duration for %s (%q), using default %s", key, v, fallback)
		return fallback
	}
	return d
}
