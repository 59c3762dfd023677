// Package vault implements the secrets vault (C11): an AEAD-encrypted
// (org_id, key) -> plaintext store for connector credentials, following
// the versioned-key envelope shape of the pack's local KMS
// (Mindburn-Labs-helm/core/pkg/kms) but backed by the gorm `secrets` table
// instead of a file, since tenant secrets here are per-org rather than a
// single process-wide keystore.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"gorm.io/gorm"

	"policygateway/internal/domain"
	"policygateway/internal/store"
)

// MinKeyBytes is the minimum accepted master key length; vault startup in
// staging/production MUST fail if the key is shorter.
const MinKeyBytes = 32

// ErrKeyTooShort is returned by New when the supplied key is shorter
// than MinKeyBytes.
var ErrKeyTooShort = fmt.Errorf("vault: master key shorter than %d bytes", MinKeyBytes)

// ErrNotFound is returned by Get when (org, key) has no stored secret.
var ErrNotFound = errors.New("vault: secret not found")

// Vault encrypts and decrypts tenant secrets with a single process-local
// AEAD key. keyVersion is fixed at 1 for this key; SecretRow carries a
// key_version column so a future rotation can keep decrypting rows sealed
// under an older key without a bulk re-encryption migration.
type Vault struct {
	db         *gorm.DB
	aead       cipher.AEAD
	keyVersion int
}

// New builds a Vault from a raw master key. masterKey must be at least 32
// bytes; only the first 32 are used (AES-256). Callers in staging/production must reject a short or
// empty key before calling New; development may pass a locally generated
// key instead (see cmd/policygatewayd wiring).
func New(db *gorm.DB, masterKey []byte) (*Vault, error) {
	if len(masterKey) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	block, err := aes.NewCipher(masterKey[:32])
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{db: db, aead: aead, keyVersion: 1}, nil
}

// Put seals plaintext for (orgID, key), upserting any existing row.
func (v *Vault) Put(ctx context.Context, orgID, key, plaintext string) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}
	ciphertext := v.aead.Seal(nil, nonce, []byte(plaintext), aad(orgID, key))

	row := store.SecretRow{
		OrgID:      orgID,
		Key:        key,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: v.keyVersion,
	}
	return v.db.WithContext(ctx).
		Where("org_id = ? AND key = ?", orgID, key).
		Assign(row).
		FirstOrCreate(&store.SecretRow{OrgID: orgID, Key: key}).Error
}

// Get decrypts and returns the plaintext stored for (orgID, key).
//
// Plaintext never leaves this function into a log statement or error
// message; callers must keep it out of anything that gets serialised
// into an audit record.
func (v *Vault) Get(ctx context.Context, orgID, key string) (string, error) {
	var row store.SecretRow
	err := v.db.WithContext(ctx).
		Where("org_id = ? AND key = ?", orgID, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("vault: load secret: %w", err)
	}
	plaintext, err := v.aead.Open(nil, row.Nonce, row.Ciphertext, aad(orgID, key))
	if err != nil {
		return "", fmt.Errorf("vault: decrypt secret %s/%s: authentication failed", orgID, key)
	}
	return string(plaintext), nil
}

// Delete removes a stored secret. Absence is not an error.
func (v *Vault) Delete(ctx context.Context, orgID, key string) error {
	return v.db.WithContext(ctx).
		Where("org_id = ? AND key = ?", orgID, key).
		Delete(&store.SecretRow{}).Error
}

// secretRefPrefix is an optional prefix on the vault_key half of a
// secret_ref, e.g. "Authorization=vault:stripe_api_key"; it is stripped
// before lookup.
const secretRefPrefix = "vault:"

// ResolveRefs returns a map from header name to plaintext for every entry
// in cfg.SecretRefs; cfg itself is not modified. Secrets are
// resolved at call time, not at manifest registration: this is called
// once per connector dispatch, never cached across requests.
//
// Each secret_ref has the form "header_name=vault_key"; the resolved
// plaintext is injected as an HTTP header of that name. This keeps
// resolved plaintext scoped to the single in-flight connector call built
// by the caller, never persisted or logged.
func (v *Vault) ResolveRefs(ctx context.Context, orgID string, cfg domain.ToolConfig) (map[string]string, error) {
	resolved := make(map[string]string, len(cfg.SecretRefs))
	for _, ref := range cfg.SecretRefs {
		headerName, vaultKey, ok := strings.Cut(ref, "=")
		if !ok {
			return nil, fmt.Errorf("vault: malformed secret_ref %q, want header=key", ref)
		}
		vaultKey = strings.TrimPrefix(vaultKey, secretRefPrefix)
		plaintext, err := v.Get(ctx, orgID, vaultKey)
		if err != nil {
			return nil, fmt.Errorf("vault: resolve secret_ref %q: %w", ref, err)
		}
		resolved[headerName] = plaintext
	}
	return resolved, nil
}

// aad binds ciphertext to (orgID, key) so a row copied between tenants or
// under a different key name fails to decrypt even with the right master
// key, catching a row-substitution bug in the storage layer rather than
// silently decrypting the wrong secret.
func aad(orgID, key string) []byte {
	return []byte(orgID + "\x00" + key)
}

// GenerateDevelopmentKey returns a fresh random 32-byte key, hex-encoded,
// for local development only. Staging and production must source
// GATEWAY_FERNET_KEY from the environment instead.
func GenerateDevelopmentKey() (string, error) {
	key := make([]byte, MinKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("vault: generate development key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
