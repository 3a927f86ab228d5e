package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-payments/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"APP_ENV":                      "development",
		"DATABASE_URL":                 "postgres://localhost:5432/payments?sslmode=disable",
		"REDIS_URL":                    "redis://localhost:6379/0",
		"STRIPE_WEBHOOK_SECRET":        "",
		"WEBHOOK_INSECURE_SKIP_VERIFY": "",
		"WEBHOOK_TOLERANCE":            "",
		"LEDGER_BACKEND":               "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, config.LedgerPostgres, cfg.LedgerBackend)
	require.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	require.False(t, cfg.Webhook.InsecureSkipVerify)
	require.Empty(t, cfg.Webhook.Secret)
	require.Equal(t, "http://localhost:3000/return", cfg.Checkout.ReturnURL)
}

func TestLoadRejectsInsecureModeInProduction(t *testing.T) {
	env := baseEnv()
	env["APP_ENV"] = "production"
	env["WEBHOOK_INSECURE_SKIP_VERIFY"] = "true"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadAllowsInsecureModeOutsideProduction(t *testing.T) {
	env := baseEnv()
	env["WEBHOOK_INSECURE_SKIP_VERIFY"] = "yes"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.True(t, cfg.Webhook.InsecureSkipVerify)
}

func TestLoadRejectsUnknownLedgerBackend(t *testing.T) {
	env := baseEnv()
	env["LEDGER_BACKEND"] = "cassandra"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	env := baseEnv()
	env["DATABASE_URL"] = ""
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadPublishRetryOverrides(t *testing.T) {
	env := baseEnv()
	env["PUBLISH_RETRY_MAX_ATTEMPTS"] = "3"
	env["PUBLISH_RETRY_BASE"] = "500ms"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.PublishRetry.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.PublishRetry.Base)
	require.Equal(t, 2, cfg.PublishRetry.Concurrency)

	env["PUBLISH_RETRY_MAX_ATTEMPTS"] = "0"
	_, err = config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRejectsClaimLeaseShorterThanAttempt(t *testing.T) {
	env := baseEnv()
	env["WEBHOOK_HANDLER_TIMEOUT"] = "50s"
	env["WEBHOOK_LEDGER_TIMEOUT"] = "10s"
	env["WEBHOOK_CLAIM_LEASE"] = "1m"
	_, err := config.LoadForTests(env)
	require.ErrorContains(t, err, "WEBHOOK_CLAIM_LEASE")

	env["WEBHOOK_CLAIM_LEASE"] = "61s"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, 61*time.Second, cfg.Webhook.ClaimLease)
}

func TestLoadProxyHeadersUntrustedByDefault(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)
	require.False(t, cfg.TrustProxyHeaders)

	env := baseEnv()
	env["TRUST_PROXY_HEADERS"] = "true"
	cfg, err = config.LoadForTests(env)
	require.NoError(t, err)
	require.True(t, cfg.TrustProxyHeaders)
}
