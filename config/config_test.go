package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("WEBHOOK_SECRET", "test-webhook-secret")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "mainnet", cfg.TronNetwork)
	assert.Equal(t, MainnetGridURL, cfg.TronGridURL)
	assert.Equal(t, DefaultUSDTContract, cfg.USDTContract)
	assert.Equal(t, 15*time.Minute, cfg.PaymentTimeout)
	assert.Equal(t, 1, cfg.RequiredConfirmations)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.Production())
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TRON_NETWORK", "testnet")
	t.Setenv("PORT", "9090")
	t.Setenv("PAYMENT_TIMEOUT_MINUTES", "30")
	t.Setenv("REQUIRED_CONFIRMATIONS", "19")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, TestnetGridURL, cfg.TronGridURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.PaymentTimeout)
	assert.Equal(t, 19, cfg.RequiredConfirmations)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Production())
}

func TestFromEnvValidation(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "x")
	t.Setenv("SECRET_KEY", "")
	_, err := FromEnv()
	assert.Error(t, err)

	setRequired(t)
	t.Setenv("TRON_NETWORK", "ropsten")
	_, err = FromEnv()
	assert.Error(t, err)

	t.Setenv("TRON_NETWORK", "mainnet")
	t.Setenv("REQUIRED_CONFIRMATIONS", "0")
	_, err = FromEnv()
	assert.Error(t, err)
}
