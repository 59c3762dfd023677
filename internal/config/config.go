// Package config loads the policy gateway's runtime configuration from
// built-in defaults, an optional YAML file named by GATEWAY_CONFIG_FILE,
// and environment variables (highest precedence), following the teacher's
// gateway/config package (validation-with-sane-defaults, a Validate()
// pass that is stricter outside development).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment mirrors keys.Environment's three-way split; duplicated here
// (rather than imported) so config has no dependency on internal/keys.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is the gateway's fully resolved runtime configuration.
type Config struct {
	Environment Environment

	SecretKey             string
	VaultKey              string
	Ed25519PrivateKeyHex  string
	DatabaseURL           string
	AllowedWebhookDomains []string
	DefaultDailyBudget    int64
	ApprovalExpiry        time.Duration
	ConnectorTimeout      time.Duration
	MaxRequestBytes       int64
	CORSOrigins           []string
	APIKeySecrets         map[string]string
	ListenAddr            string
	ManifestCacheTTL      time.Duration
	ManifestCacheDBPath   string
	NonceDBPath           string
	LogFilePath           string
}

// fileOverlay is the subset of Config that may be supplied by an optional
// YAML file named by GATEWAY_CONFIG_FILE. It sits beneath the environment
// variable overlay: any field also set by an env var is overridden by it.
type fileOverlay struct {
	Environment           string   `yaml:"environment"`
	DatabaseURL           string   `yaml:"database_url"`
	DefaultDailyBudget    *int64   `yaml:"default_daily_budget"`
	ApprovalExpiryHours   *float64 `yaml:"approval_expiry_hours"`
	ConnectorTimeoutSecs  *float64 `yaml:"connector_timeout_seconds"`
	MaxRequestBytes       *int64   `yaml:"max_request_bytes"`
	ListenAddr            string   `yaml:"listen_addr"`
	AllowedWebhookDomains []string `yaml:"allowed_webhook_domains"`
	CORSOrigins           []string `yaml:"cors_origins"`
	LogFilePath           string   `yaml:"log_file"`
}

func loadFileOverlay(path string) (fileOverlay, error) {
	var overlay fileOverlay
	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return overlay, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return overlay, nil
}

// minSecretLen is the configured floor for SECRET_KEY's length.
const minSecretLen = 32

// Load reads Config in three layers: built-in defaults, then an optional
// GATEWAY_CONFIG_FILE YAML overlay, then environment variables, each
// overriding the last. It then validates staging/production requirements.
func Load() (Config, error) {
	var file fileOverlay
	if path := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG_FILE")); path != "" {
		var err error
		file, err = loadFileOverlay(path)
		if err != nil {
			return Config{}, err
		}
	}

	defaultDailyBudget := int64(1000)
	if file.DefaultDailyBudget != nil {
		defaultDailyBudget = *file.DefaultDailyBudget
	}
	approvalExpiry := 24 * time.Hour
	if file.ApprovalExpiryHours != nil {
		approvalExpiry = time.Duration(*file.ApprovalExpiryHours * float64(time.Hour))
	}
	connectorTimeout := 30 * time.Second
	if file.ConnectorTimeoutSecs != nil {
		connectorTimeout = time.Duration(*file.ConnectorTimeoutSecs * float64(time.Second))
	}
	maxRequestBytes := int64(1 << 20)
	if file.MaxRequestBytes != nil {
		maxRequestBytes = *file.MaxRequestBytes
	}

	cfg := Config{
		Environment:          Environment(envOr("ENVIRONMENT", envOr2(file.Environment, string(EnvDevelopment)))),
		SecretKey:            os.Getenv("SECRET_KEY"),
		VaultKey:             os.Getenv("GATEWAY_FERNET_KEY"),
		Ed25519PrivateKeyHex: os.Getenv("GATEWAY_ED25519_PRIVATE_KEY"),
		DatabaseURL:          envOr("DATABASE_URL", envOr2(file.DatabaseURL, "file::memory:?cache=shared")),
		DefaultDailyBudget:   envInt64("GATEWAY_DEFAULT_DAILY_BUDGET", defaultDailyBudget),
		ApprovalExpiry:       envHours("GATEWAY_APPROVAL_EXPIRY_HOURS", approvalExpiry),
		ConnectorTimeout:     envSeconds("GATEWAY_CONNECTOR_TIMEOUT_SECONDS", connectorTimeout),
		MaxRequestBytes:      envInt64("GATEWAY_MAX_REQUEST_BYTES", maxRequestBytes),
		ListenAddr:           envOr("GATEWAY_LISTEN_ADDR", envOr2(file.ListenAddr, ":8080")),
		ManifestCacheTTL:     envSeconds("GATEWAY_MANIFEST_CACHE_TTL_SECONDS", 5*time.Second),
		ManifestCacheDBPath:  os.Getenv("GATEWAY_MANIFEST_CACHE_DB_PATH"),
		NonceDBPath:          os.Getenv("GATEWAY_NONCE_DB_PATH"),
		LogFilePath:          envOr("GATEWAY_LOG_FILE", file.LogFilePath),
	}

	domains, err := envJSONStrings("GATEWAY_ALLOWED_WEBHOOK_DOMAINS")
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if domains == nil {
		domains = file.AllowedWebhookDomains
	}
	cfg.AllowedWebhookDomains = domains

	origins, err := envJSONStrings("CORS_ORIGINS")
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if origins == nil {
		origins = file.CORSOrigins
	}
	cfg.CORSOrigins = origins

	secrets, err := envJSONObject("GATEWAY_API_KEYS")
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if secrets == nil {
		// No per-agent key map configured: every caller authenticates
		// with API key id "default" against the shared SECRET_KEY.
		secrets = map[string]string{"default": cfg.SecretKey}
	}
	cfg.APIKeySecrets = secrets

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the staging/production key-material requirements:
// SECRET_KEY, GATEWAY_FERNET_KEY and GATEWAY_ED25519_PRIVATE_KEY are all
// required, and SECRET_KEY must be at least 32 characters with no obvious
// placeholder value.
func (cfg Config) Validate() error {
	if cfg.Environment == EnvDevelopment {
		return nil
	}
	if cfg.Environment != EnvStaging && cfg.Environment != EnvProduction {
		return fmt.Errorf("config: ENVIRONMENT must be one of development, staging, production, got %q", cfg.Environment)
	}
	if len(cfg.SecretKey) < minSecretLen {
		return fmt.Errorf("config: SECRET_KEY must be at least %d characters in %s", minSecretLen, cfg.Environment)
	}
	if isPlaceholder(cfg.SecretKey) {
		return fmt.Errorf("config: SECRET_KEY looks like a placeholder value, refusing to start in %s", cfg.Environment)
	}
	if strings.TrimSpace(cfg.VaultKey) == "" {
		return fmt.Errorf("config: GATEWAY_FERNET_KEY is required in %s", cfg.Environment)
	}
	if strings.TrimSpace(cfg.Ed25519PrivateKeyHex) == "" {
		return fmt.Errorf("config: GATEWAY_ED25519_PRIVATE_KEY is required in %s", cfg.Environment)
	}
	return nil
}

func isPlaceholder(v string) bool {
	lowered := strings.ToLower(strings.TrimSpace(v))
	switch lowered {
	case "", "changeme", "change-me", "secret", "placeholder", "example", "test":
		return true
	}
	return strings.Contains(lowered, "changeme") || strings.Contains(lowered, "placeholder")
}

// envOr2 returns preferred if non-blank, else fallback. Used to let a file
// overlay value stand in for the hardcoded default before the env var check.
func envOr2(preferred, fallback string) string {
	if strings.TrimSpace(preferred) != "" {
		return preferred
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envHours(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	hours, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(hours * float64(time.Hour))
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func envJSONStrings(key string) ([]string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of strings: %w", key, err)
	}
	return out, nil
}

func envJSONObject(key string) (map[string]string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object of string to string: %w", key, err)
	}
	return out, nil
}
