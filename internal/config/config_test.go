package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ENVIRONMENT", "SECRET_KEY", "GATEWAY_FERNET_KEY", "GATEWAY_ED25519_PRIVATE_KEY",
		"DATABASE_URL", "GATEWAY_ALLOWED_WEBHOOK_DOMAINS", "GATEWAY_DEFAULT_DAILY_BUDGET",
		"GATEWAY_APPROVAL_EXPIRY_HOURS", "GATEWAY_CONNECTOR_TIMEOUT_SECONDS",
		"GATEWAY_MAX_REQUEST_BYTES", "CORS_ORIGINS", "GATEWAY_API_KEYS",
		"GATEWAY_CONFIG_FILE", "GATEWAY_LISTEN_ADDR", "GATEWAY_LOG_FILE",
	}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaultsToDevelopment(t *testing.T) {
	clearGatewayEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, EnvDevelopment, cfg.Environment)
	require.Equal(t, int64(1000), cfg.DefaultDailyBudget)
	require.Equal(t, 24*time.Hour, cfg.ApprovalExpiry)
}

func TestLoadFailsInProductionWithoutKeys(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadSucceedsInProductionWithKeys(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SECRET_KEY", "a-very-long-and-definitely-genuine-production-secret")
	t.Setenv("GATEWAY_FERNET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("GATEWAY_ED25519_PRIVATE_KEY", "deadbeef")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, EnvProduction, cfg.Environment)
}

func TestLoadRejectsPlaceholderSecret(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("SECRET_KEY", strRepeat("changeme", 5))
	t.Setenv("GATEWAY_FERNET_KEY", "k")
	t.Setenv("GATEWAY_ED25519_PRIVATE_KEY", "k")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadParsesJSONArrays(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS", `["api.stripe.com", "hooks.slack.com"]`)
	t.Setenv("CORS_ORIGINS", `["https://app.example.com"]`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"api.stripe.com", "hooks.slack.com"}, cfg.AllowedWebhookDomains)
	require.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
}

func TestLoadRejectsMalformedJSONArray(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS", `not-json`)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaultsAPIKeySecretsToSharedSecret(t *testing.T) {
	clearGatewayEnv(t)
	require.NoError(t, os.Unsetenv("GATEWAY_API_KEYS"))
	t.Setenv("SECRET_KEY", "a-very-long-and-definitely-not-a-placeholder-secret")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"default": cfg.SecretKey}, cfg.APIKeySecrets)
}

func TestLoadParsesAPIKeySecretsMap(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_API_KEYS", `{"agent-1": "s1", "agent-2": "s2"}`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"agent-1": "s1", "agent-2": "s2"}, cfg.APIKeySecrets)
}

func TestLoadAppliesYAMLFileOverlayBeneathEnv(t *testing.T) {
	clearGatewayEnv(t)
	require.NoError(t, os.Unsetenv("GATEWAY_LISTEN_ADDR"))
	path := t.TempDir() + "/gateway.yaml"
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\ndefault_daily_budget: 42\n"), 0o600))
	t.Setenv("GATEWAY_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, int64(42), cfg.DefaultDailyBudget)

	t.Setenv("GATEWAY_LISTEN_ADDR", ":7070")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddr, "env var overrides file overlay")
}

func TestLoadRejectsUnreadableConfigFile(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_CONFIG_FILE", t.TempDir()+"/missing.yaml")
	_, err := Load()
	require.Error(t, err)
}

func strRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
