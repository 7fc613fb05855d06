// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settlement backend names accepted in SETTLEMENT_BACKEND.
const (
	BackendLedger  = "ledger"
	BackendOnchain = "onchain"
	BackendStripe  = "stripe"
)

// Config holds all runtime configuration for the escrow engine.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// DatabaseURL empty means in-memory stores (dev / tests).
	DatabaseURL string

	// Escrow lifecycle.
	AutoReleaseHours int
	FeePercent       int64
	SweepInterval    time.Duration
	SweepBatchSize   int

	// Dispute voting.
	QuorumThreshold int64

	// Settlement collaborator.
	SettlementBackend string
	SettlementTimeout time.Duration
	RPCURL            string
	ChainID           int64
	PrivateKey        string
	USDCContract      string
	StripeAPIKey      string

	// Notifications.
	NotifySecret string

	// HTTP surface.
	AllowedOrigins []string
	RateLimitRPM   int

	// Tracing. Empty endpoint disables the exporter.
	OTLPEndpoint string
}

// Load reads configuration from the environment. A .env file is honored
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		AutoReleaseHours:  getEnvInt("AUTO_RELEASE_HOURS", 168),
		FeePercent:        getEnvInt64("FEE_PERCENT", 1),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepBatchSize:    getEnvInt("SWEEP_BATCH_SIZE", 100),
		QuorumThreshold:   getEnvInt64("QUORUM_THRESHOLD", 10),
		SettlementBackend: getEnv("SETTLEMENT_BACKEND", BackendLedger),
		SettlementTimeout: getEnvDuration("SETTLEMENT_TIMEOUT", 30*time.Second),
		RPCURL:            getEnv("RPC_URL", ""),
		ChainID:           getEnvInt64("CHAIN_ID", 8453),
		PrivateKey:        getEnv("PRIVATE_KEY", ""),
		USDCContract:      getEnv("USDC_CONTRACT", ""),
		StripeAPIKey:      getEnv("STRIPE_API_KEY", ""),
		NotifySecret:      getEnv("NOTIFY_SECRET", ""),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "*")),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", 120),
		OTLPEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.QuorumThreshold < 1 {
		return fmt.Errorf("QUORUM_THRESHOLD must be >= 1, got %d", c.QuorumThreshold)
	}
	if c.AutoReleaseHours < 1 {
		return fmt.Errorf("AUTO_RELEASE_HOURS must be >= 1, got %d", c.AutoReleaseHours)
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be in [0,100], got %d", c.FeePercent)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be >= 1, got %d", c.SweepBatchSize)
	}
	switch c.SettlementBackend {
	case BackendLedger:
	case BackendOnchain:
		if c.RPCURL == "" || c.PrivateKey == "" || c.USDCContract == "" {
			return fmt.Errorf("onchain settlement requires RPC_URL, PRIVATE_KEY and USDC_CONTRACT")
		}
	case BackendStripe:
		if c.StripeAPIKey == "" {
			return fmt.Errorf("stripe settlement requires STRIPE_API_KEY")
		}
	default:
		return fmt.Errorf("unknown SETTLEMENT_BACKEND %q", c.SettlementBackend)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// AutoReleaseWindow returns the FUNDED-to-auto-release duration.
func (c *Config) AutoReleaseWindow() time.Duration {
	return time.Duration(c.AutoReleaseHours) * time.Hour
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
