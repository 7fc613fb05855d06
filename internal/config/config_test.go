package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, int64(10), cfg.QuorumThreshold)
	assert.Equal(t, 168, cfg.AutoReleaseHours)
	assert.Equal(t, int64(1), cfg.FeePercent)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, BackendLedger, cfg.SettlementBackend)
	assert.Equal(t, 7*24*time.Hour, cfg.AutoReleaseWindow())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUORUM_THRESHOLD", "3")
	t.Setenv("AUTO_RELEASE_HOURS", "48")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("SETTLEMENT_TIMEOUT", "10s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(3), cfg.QuorumThreshold)
	assert.Equal(t, 48, cfg.AutoReleaseHours)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.SettlementTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero quorum", func(c *Config) { c.QuorumThreshold = 0 }},
		{"zero auto release", func(c *Config) { c.AutoReleaseHours = 0 }},
		{"negative fee", func(c *Config) { c.FeePercent = -1 }},
		{"fee over 100", func(c *Config) { c.FeePercent = 101 }},
		{"zero sweep batch", func(c *Config) { c.SweepBatchSize = 0 }},
		{"unknown backend", func(c *Config) { c.SettlementBackend = "carrier-pigeon" }},
		{"onchain without rpc", func(c *Config) { c.SettlementBackend = BackendOnchain }},
		{"stripe without key", func(c *Config) { c.SettlementBackend = BackendStripe }},
		{"production without db", func(c *Config) { c.Env = "production" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateOnchainComplete(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.SettlementBackend = BackendOnchain
	cfg.RPCURL = "https://mainnet.base.org"
	cfg.PrivateKey = "ab"
	cfg.USDCContract = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	assert.NoError(t, cfg.Validate())
}
