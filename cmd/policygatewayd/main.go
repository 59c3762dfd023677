package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"policygateway/internal/agentauth"
	"policygateway/internal/approval"
	"policygateway/internal/audit"
	"policygateway/internal/config"
	"policygateway/internal/connector"
	"policygateway/internal/gatewaysvc"
	"policygateway/internal/httpapi"
	"policygateway/internal/keys"
	"policygateway/internal/kvstore"
	"policygateway/internal/manifest"
	"policygateway/internal/observability"
	"policygateway/internal/policy"
	"policygateway/internal/ratelimit"
	"policygateway/internal/store"
	"policygateway/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := observability.Setup("policygateway", string(cfg.Environment), cfg.LogFilePath)
	observability.InitMeterProvider()
	logger.Info("starting", "component", "main", "env", string(cfg.Environment))

	keyMgr, err := keys.NewManager(cfg.Ed25519PrivateKeyHex, keys.Environment(cfg.Environment), logger)
	if err != nil {
		logger.Error("key manager init failed", "component", "main", "error", err)
		os.Exit(1)
	}

	vaultKey, err := resolveVaultKey(cfg.VaultKey, keys.Environment(cfg.Environment))
	if err != nil {
		logger.Error("vault key resolution failed", "component", "main", "error", err)
		os.Exit(1)
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "component", "main", "error", err)
		os.Exit(1)
	}
	if err := store.AutoMigrate(db); err != nil {
		logger.Error("auto migrate failed", "component", "main", "error", err)
		os.Exit(1)
	}

	secretsVault, err := vault.New(db, vaultKey)
	if err != nil {
		logger.Error("vault init failed", "component", "main", "error", err)
		os.Exit(1)
	}

	manifestStore := manifest.NewStore(db)
	manifestLookup := gatewaysvc.ManifestLookup(manifestStore)
	if cfg.ManifestCacheTTL > 0 {
		cacheDB, err := openKVStore(cfg.ManifestCacheDBPath)
		if err != nil {
			logger.Error("manifest cache store init failed", "component", "main", "error", err)
			os.Exit(1)
		}
		manifestLookup = manifest.NewCachedStore(manifestStore, cacheDB, cfg.ManifestCacheTTL)
	}

	budgets := gatewaysvc.NewActionCounterBudget(db)
	approvals := approval.NewStore(db, keyMgr, cfg.ApprovalExpiry, 0)
	engine := policy.NewEngine(keyMgr.PublicKey(), budgets, approvals, cfg.DefaultDailyBudget, 0)
	chain := audit.NewChain(db, keyMgr)
	connectors := connector.NewRegistry(cfg.ConnectorTimeout, cfg.AllowedWebhookDomains)
	idempotent := gatewaysvc.NewIdempotencyStore(db)

	service := gatewaysvc.NewService(manifestLookup, engine, approvals, chain, connectors, secretsVault, keyMgr, idempotent)
	service.Logger = logger

	nonces, err := openNoncePersistence(cfg.NonceDBPath)
	if err != nil {
		logger.Error("nonce persistence init failed", "component", "main", "error", err)
		os.Exit(1)
	}
	apiKeyAuth := agentauth.NewAuthenticator(cfg.APIKeySecrets, 0, 0, 0, nil, nonces)
	operatorAuth := agentauth.NewOperatorAuthenticator(agentauth.OperatorAuthConfig{
		Enabled:    true,
		HMACSecret: cfg.SecretKey,
	}, log.Default())

	rateLimiter := ratelimit.NewRateLimiter(ratelimit.DefaultLimits(), log.Default())

	server := httpapi.New(httpapi.Server{
		Service:      service,
		Approvals:    approvals,
		Chain:        chain,
		Manifests:    manifestStore,
		DB:           db,
		APIKeyAuth:   apiKeyAuth,
		OperatorAuth: operatorAuth,
		RateLimiter:  rateLimiter,
		CORS:         httpapi.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		MaxBodyBytes: cfg.MaxRequestBytes,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "component", "main", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen and serve failed", "component", "main", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "component", "main", "error", err)
	}
}

// openDatabase selects the gorm dialect from the DATABASE_URL scheme: a
// file:/sqlite-style DSN gets the pure-Go sqlite driver (used in
// development and tests), anything else is treated as a postgres DSN.
func openDatabase(databaseURL string) (*gorm.DB, error) {
	if strings.HasPrefix(databaseURL, "file:") || strings.Contains(databaseURL, ".db") {
		return gorm.Open(sqlite.Open(databaseURL), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
}

// openKVStore backs the manifest cache with LevelDB when a path is
// configured, otherwise an in-process map: fine for a single instance or
// tests, but not shared across replicas.
func openKVStore(path string) (kvstore.Database, error) {
	if strings.TrimSpace(path) == "" {
		return kvstore.NewMemDB(), nil
	}
	return kvstore.NewLevelDB(path)
}

// openNoncePersistence mirrors openKVStore's choice for the API key replay
// guard: durable LevelDB when a path is set, otherwise the Authenticator's
// in-memory window (nil persistence).
func openNoncePersistence(path string) (agentauth.NoncePersistence, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return agentauth.NewLevelDBNoncePersistence(path)
}

// resolveVaultKey hex-decodes GATEWAY_FERNET_KEY; in development an empty
// value generates an ephemeral key so the gateway can still start without
// key material on a laptop.
func resolveVaultKey(hexKey string, env keys.Environment) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		if env != keys.EnvDevelopment {
			return nil, vault.ErrKeyTooShort
		}
		dev, err := vault.GenerateDevelopmentKey()
		if err != nil {
			return nil, err
		}
		hexKey = dev
	}
	return hex.DecodeString(hexKey)
}
