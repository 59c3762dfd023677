// Package keys manages the gateway's Ed25519 signing identity, used to
// sign capability/override tokens (internal/tokens) and audit chain
// records (internal/audit). The wrapper shape — a struct holding the key
// pair plus hex accessors and Sign/Verify methods — follows the pack's
// validator attestation signer; the gateway has exactly one identity
// rather than a registry of many, so there is no verifier/registration
// surface here.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Environment gates whether the manager may generate an ephemeral key.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Manager holds the gateway's Ed25519 signing identity.
type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewManager builds a Manager from a hex-encoded Ed25519 private key (seed
// or full 64-byte form). An empty hex is only acceptable in development:
// staging and production MUST be configured with real key material and
// NewManager returns an error otherwise.
func NewManager(privateKeyHex string, env Environment, logger *slog.Logger) (*Manager, error) {
	if privateKeyHex == "" {
		if env != EnvDevelopment {
			return nil, fmt.Errorf("keys: GATEWAY_ED25519_PRIVATE_KEY is required in %s", env)
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keys: generate development key: %w", err)
		}
		if logger != nil {
			logger.Warn("generated ephemeral development signing key; tokens and audit signatures will not verify across restarts",
				"component", "keys", "public_key", hex.EncodeToString(pub))
		}
		return &Manager{privateKey: priv, publicKey: pub}, nil
	}
	return NewManagerFromHex(privateKeyHex)
}

// NewManagerFromHex builds a Manager from a hex-encoded private key,
// accepting either a 32-byte seed or the full 64-byte Ed25519 private key.
func NewManagerFromHex(privateKeyHex string) (*Manager, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid private key hex: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("keys: private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &Manager{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign signs message with the gateway's private key.
func (m *Manager) Sign(message []byte) []byte {
	return ed25519.Sign(m.privateKey, message)
}

// Verify checks sig over message against the gateway's own public key.
func (m *Manager) Verify(message, sig []byte) bool {
	return ed25519.Verify(m.publicKey, message, sig)
}

// VerifyWith checks sig over message against an arbitrary public key, for
// verifying records/tokens signed by a (possibly previous) known key.
func VerifyWith(publicKey ed25519.PublicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, sig)
}

// PublicKey returns the gateway's Ed25519 public key.
func (m *Manager) PublicKey() ed25519.PublicKey {
	return m.publicKey
}

// PublicKeyHex returns the gateway's public key hex-encoded.
func (m *Manager) PublicKeyHex() string {
	return hex.EncodeToString(m.publicKey)
}
