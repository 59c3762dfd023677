// Package approval implements the approval store: creation, lookup,
// operator approve/deny, and atomic one-time consumption of escalated
// actions. ConsumeIfValid is the sole replay guard — it is a single
// conditional UPDATE, not a read-then-write, so it stays correct under
// concurrent callers without an explicit lock.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"policygateway/internal/canon"
	"policygateway/internal/domain"
	"policygateway/internal/keys"
	"policygateway/internal/observability"
	"policygateway/internal/store"
	"policygateway/internal/tokens"
)

// ErrNotFound is returned when an approval_id does not exist.
var ErrNotFound = errors.New("approval: not found")

// ErrNotPending is returned when approve/deny is attempted on a non-PENDING row.
var ErrNotPending = errors.New("approval: not in PENDING status")

// Store implements the approval lifecycle over gorm.
type Store struct {
	db          *gorm.DB
	keyMgr      *keys.Manager
	defaultTTL  time.Duration
	overrideTTL time.Duration
	nowFn       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// NewStore builds a Store. defaultTTL is the approval's pending lifetime
// (default 24h); overrideTTL is the override token's lifetime (default 5m).
func NewStore(db *gorm.DB, keyMgr *keys.Manager, defaultTTL, overrideTTL time.Duration, opts ...Option) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	if overrideTTL <= 0 {
		overrideTTL = tokens.DefaultOverrideLifetime
	}
	s := &Store{db: db, keyMgr: keyMgr, defaultTTL: defaultTTL, overrideTTL: overrideTTL, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time { return s.nowFn().UTC() }

// CreatePending records a new escalated action awaiting operator decision.
func (s *Store) CreatePending(ctx context.Context, orgID, uapkID, agentID string, action domain.Action) (domain.Approval, error) {
	hash, err := canon.ActionHash(action)
	if err != nil {
		return domain.Approval{}, fmt.Errorf("approval: hash action: %w", err)
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return domain.Approval{}, fmt.Errorf("approval: marshal action: %w", err)
	}
	now := s.now()
	row := store.ApprovalRow{
		OrgID: orgID, UAPKID: uapkID, AgentID: agentID,
		ActionJSON: string(actionJSON),
		ActionHash: hex.EncodeToString(hash[:]),
		Status:     string(domain.ApprovalPending),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.defaultTTL),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Approval{}, fmt.Errorf("approval: create: %w", err)
	}
	return rowToDomain(row, action)
}

// Get fetches one approval by id.
func (s *Store) Get(ctx context.Context, approvalID string) (domain.Approval, error) {
	var row store.ApprovalRow
	err := s.db.WithContext(ctx).Where("approval_id = ?", approvalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Approval{}, ErrNotFound
	}
	if err != nil {
		return domain.Approval{}, fmt.Errorf("approval: get: %w", err)
	}
	var action domain.Action
	if err := json.Unmarshal([]byte(row.ActionJSON), &action); err != nil {
		return domain.Approval{}, fmt.Errorf("approval: decode action: %w", err)
	}
	return rowToDomain(row, action)
}

// Approve transitions approvalID from PENDING to APPROVED and issues a new
// override token bound to this approval and its action_hash. Fails (no
// write) unless the row is currently PENDING.
func (s *Store) Approve(ctx context.Context, approvalID, decidedBy string) (domain.Approval, string, error) {
	now := s.now()
	var token string
	var out domain.Approval

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row store.ApprovalRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("approval_id = ?", approvalID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if row.Status != string(domain.ApprovalPending) {
			return ErrNotPending
		}

		overrideExp := now.Add(s.overrideTTL)
		signed, err := tokens.IssueOverride(s.keyMgr, domain.OverridePayload{
			ApprovalID: approvalID,
			ActionHash: row.ActionHash,
			IssuedAt:   now.Unix(),
			Expiry:     overrideExp.Unix(),
			JTI:        approvalID,
		})
		if err != nil {
			return fmt.Errorf("issue override token: %w", err)
		}
		sum := sha256.Sum256([]byte(signed))

		res := tx.Model(&store.ApprovalRow{}).
			Where("approval_id = ? AND status = ?", approvalID, string(domain.ApprovalPending)).
			Updates(map[string]any{
				"status":              string(domain.ApprovalApproved),
				"decided_at":          now,
				"decided_by":          decidedBy,
				"override_token_hash": hex.EncodeToString(sum[:]),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNotPending
		}
		token = signed

		if err := tx.Where("approval_id = ?", approvalID).First(&row).Error; err != nil {
			return err
		}
		var action domain.Action
		if err := json.Unmarshal([]byte(row.ActionJSON), &action); err != nil {
			return err
		}
		out, err = rowToDomain(row, action)
		return err
	})
	if err != nil {
		return domain.Approval{}, "", err
	}
	observability.Gateway().RecordApprovalEvent("approved")
	return out, token, nil
}

// Deny transitions approvalID from PENDING to DENIED.
func (s *Store) Deny(ctx context.Context, approvalID, decidedBy string) (domain.Approval, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&store.ApprovalRow{}).
		Where("approval_id = ? AND status = ?", approvalID, string(domain.ApprovalPending)).
		Updates(map[string]any{
			"status":     string(domain.ApprovalDenied),
			"decided_at": now,
			"decided_by": decidedBy,
		})
	if res.Error != nil {
		return domain.Approval{}, fmt.Errorf("approval: deny: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.Approval{}, ErrNotPending
	}
	observability.Gateway().RecordApprovalEvent("denied")
	return s.Get(ctx, approvalID)
}

// ConsumeIfValid is the sole replay guard for override tokens: a single
// conditional UPDATE that succeeds iff exactly one row matched. It must
// never be preceded by a separate read-then-decide step in caller code.
func (s *Store) ConsumeIfValid(ctx context.Context, approvalID, interactionID string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&store.ApprovalRow{}).
		Where("approval_id = ? AND status = ? AND consumed_at IS NULL AND expires_at > ?",
			approvalID, string(domain.ApprovalApproved), now).
		Updates(map[string]any{
			"consumed_at":             now,
			"consumed_interaction_id": interactionID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("approval: consume: %w", res.Error)
	}
	consumed := res.RowsAffected == 1
	if consumed {
		observability.Gateway().RecordApprovalEvent("consumed")
	}
	return consumed, nil
}

// List returns approvals for orgID, optionally filtered by status, lazily
// reaping any expired PENDING rows to EXPIRED first.
func (s *Store) List(ctx context.Context, orgID string, statusFilter string) ([]domain.Approval, error) {
	now := s.now()
	reaped := s.db.WithContext(ctx).Model(&store.ApprovalRow{}).
		Where("org_id = ? AND status = ? AND expires_at <= ?", orgID, string(domain.ApprovalPending), now).
		Update("status", string(domain.ApprovalExpired))
	if reaped.Error != nil {
		return nil, fmt.Errorf("approval: reap expired: %w", reaped.Error)
	}
	for i := int64(0); i < reaped.RowsAffected; i++ {
		observability.Gateway().RecordApprovalEvent("expired")
	}

	q := s.db.WithContext(ctx).Where("org_id = ?", orgID)
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	var rows []store.ApprovalRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	out := make([]domain.Approval, 0, len(rows))
	for _, row := range rows {
		var action domain.Action
		if err := json.Unmarshal([]byte(row.ActionJSON), &action); err != nil {
			return nil, err
		}
		a, err := rowToDomain(row, action)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func rowToDomain(row store.ApprovalRow, action domain.Action) (domain.Approval, error) {
	return domain.Approval{
		ApprovalID:            row.ApprovalID,
		OrgID:                 row.OrgID,
		UAPKID:                row.UAPKID,
		AgentID:               row.AgentID,
		Action:                action,
		ActionHash:            row.ActionHash,
		Status:                domain.ApprovalStatus(row.Status),
		CreatedAt:             row.CreatedAt,
		ExpiresAt:             row.ExpiresAt,
		DecidedAt:             row.DecidedAt,
		DecidedBy:             row.DecidedBy,
		ConsumedAt:            row.ConsumedAt,
		ConsumedInteractionID: row.ConsumedInteractionID,
		OverrideTokenHash:     row.OverrideTokenHash,
	}, nil
}
