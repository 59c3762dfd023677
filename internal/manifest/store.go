// Package manifest owns the ACTIVE-manifest lookup (C5) and the
// legacy-to-native policy field normalization (normalize.go). Only a row
// with status ACTIVE is ever visible to the policy engine; PENDING and
// INACTIVE rows exist for authoring/rollback workflows owned by the
// external admin collaborator (out of scope here).
package manifest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"policygateway/internal/canon"
	"policygateway/internal/domain"
	"policygateway/internal/store"
)

// ErrNotFound is returned when no ACTIVE manifest exists for the given
// (org_id, uapk_id) pair.
var ErrNotFound = errors.New("manifest: no ACTIVE manifest for this org/uapk")

// Store resolves manifests from the database.
type Store struct {
	db *gorm.DB
}

// NewStore builds a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetActiveManifest returns the single ACTIVE manifest for (orgID, uapkID).
// A PENDING manifest is never returned here, even if it is the newest
// version — it only becomes visible once an external admin operation
// flips it to ACTIVE (and deactivates the previous ACTIVE row).
func (s *Store) GetActiveManifest(ctx context.Context, orgID, uapkID string) (domain.Manifest, error) {
	var row store.ManifestRow
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND uapk_id = ? AND status = ?", orgID, uapkID, string(domain.ManifestActive)).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Manifest{}, ErrNotFound
	}
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("manifest: query active: %w", err)
	}
	return rowToDomain(row)
}

// GetByUAPKID returns every stored manifest version for (orgID, uapkID),
// including non-ACTIVE ones, for the read-only admin inspection endpoint.
func (s *Store) GetByUAPKID(ctx context.Context, orgID, uapkID string) ([]domain.Manifest, error) {
	var rows []store.ManifestRow
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND uapk_id = ?", orgID, uapkID).
		Order("version DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("manifest: query versions: %w", err)
	}
	out := make([]domain.Manifest, 0, len(rows))
	for _, r := range rows {
		m, err := rowToDomain(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func rowToDomain(row store.ManifestRow) (domain.Manifest, error) {
	var raw rawPolicy
	if err := json.Unmarshal([]byte(row.ContentJSON), &raw); err != nil {
		return domain.Manifest{}, fmt.Errorf("manifest: decode content for %s/%s v%d: %w", row.OrgID, row.UAPKID, row.Version, err)
	}
	var hash [32]byte
	if decoded, err := hex.DecodeString(row.ContentHash); err == nil && len(decoded) == 32 {
		copy(hash[:], decoded)
	}
	return domain.Manifest{
		OrgID:       row.OrgID,
		UAPKID:      row.UAPKID,
		Version:     row.Version,
		Status:      domain.ManifestStatus(row.Status),
		Content:     Normalize(raw),
		ContentHash: hash,
	}, nil
}

// ContentHash computes the canonical content hash of a raw manifest
// policy document, stored alongside each version for integrity checks.
func ContentHash(raw any) (string, error) {
	sum, err := canon.HashCanonical(raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// VerifyContentHash recomputes the hash of rawContentJSON and compares it
// to expectedHex, guarding against silent tampering of stored rows.
func VerifyContentHash(rawContentJSON []byte, expectedHex string) bool {
	var raw any
	if err := json.Unmarshal(rawContentJSON, &raw); err != nil {
		return false
	}
	got, err := ContentHash(raw)
	return err == nil && got == expectedHex
}
