// Package store defines the gorm persistence models backing the policy
// gateway's durable state (manifests, approvals, interaction records,
// action counters, secrets) and the AutoMigrate wiring for them, following
// the shape of the teacher's otc-gateway models package: UUID primary
// keys, explicit gorm column tags, and a single AutoMigrate entrypoint
// called once at startup.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ManifestRow persists one version of a Manifest. Only one row per
// (org_id, uapk_id) is expected to have status ACTIVE at a time. No DB
// constraint enforces this and this repository has no activation code;
// internal/manifest reads the highest-version ACTIVE row.
type ManifestRow struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	OrgID       string `gorm:"index:idx_manifest_org_uapk;not null"`
	UAPKID      string `gorm:"index:idx_manifest_org_uapk;not null"`
	Version     int    `gorm:"not null"`
	Status      string `gorm:"index;not null"`
	ContentJSON string `gorm:"type:text;not null"`
	ContentHash string `gorm:"size:64;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ManifestRow) TableName() string { return "manifests" }

// BeforeCreate assigns a UUID primary key when the caller didn't set one.
func (m *ManifestRow) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ApprovalRow persists one escalated-action approval lifecycle record.
type ApprovalRow struct {
	ApprovalID            string `gorm:"type:uuid;primaryKey"`
	OrgID                 string `gorm:"index:idx_approval_org;not null"`
	UAPKID                string `gorm:"index;not null"`
	AgentID               string `gorm:"index;not null"`
	ActionJSON            string `gorm:"type:text;not null"`
	ActionHash            string `gorm:"size:64;index;not null"`
	Status                string `gorm:"index;not null"`
	CreatedAt             time.Time
	ExpiresAt             time.Time `gorm:"index"`
	DecidedAt             *time.Time
	DecidedBy             string
	ConsumedAt            *time.Time
	ConsumedInteractionID string
	OverrideTokenHash     string `gorm:"size:64"`
}

func (ApprovalRow) TableName() string { return "approvals" }

func (a *ApprovalRow) BeforeCreate(tx *gorm.DB) error {
	if a.ApprovalID == "" {
		a.ApprovalID = uuid.NewString()
	}
	return nil
}

// InteractionRecordRow persists one append-only audit chain entry.
type InteractionRecordRow struct {
	RecordID           string `gorm:"type:uuid;primaryKey"`
	OrgID              string `gorm:"index:idx_record_chain;not null"`
	UAPKID             string `gorm:"index:idx_record_chain;not null"`
	AgentID            string `gorm:"index;not null"`
	ActionJSON         string `gorm:"type:text;not null"`
	RequestHash        string `gorm:"size:64;not null"`
	Decision           string `gorm:"not null"`
	ReasonsJSON        string `gorm:"type:text"`
	PolicyTraceJSON    string `gorm:"type:text"`
	Executed           bool
	ResultJSON         string `gorm:"type:text"`
	ApprovalID         string `gorm:"index"`
	PreviousRecordHash string `gorm:"size:64;not null"`
	RecordHash         string `gorm:"size:64;not null;uniqueIndex"`
	GatewaySignature   string `gorm:"type:text;not null"`
	PolicyVersion      string
	CreatedAt          time.Time `gorm:"index"`
}

func (InteractionRecordRow) TableName() string { return "interaction_records" }

func (r *InteractionRecordRow) BeforeCreate(tx *gorm.DB) error {
	if r.RecordID == "" {
		r.RecordID = uuid.NewString()
	}
	return nil
}

// ActionCounterRow tracks the number of actions an agent has executed
// during one UTC day, for the daily budget cap enforced by the budget stage.
type ActionCounterRow struct {
	OrgID     string `gorm:"primaryKey"`
	UAPKID    string `gorm:"primaryKey"`
	Day       string `gorm:"primaryKey"` // YYYY-MM-DD, UTC
	Count     int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (ActionCounterRow) TableName() string { return "action_counters" }

// SecretRow persists one AEAD-encrypted tenant secret in the vault (C11).
type SecretRow struct {
	OrgID        string `gorm:"primaryKey"`
	Key          string `gorm:"primaryKey"`
	Ciphertext   []byte `gorm:"not null"`
	Nonce        []byte `gorm:"not null"`
	KeyVersion   int    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SecretRow) TableName() string { return "secrets" }

// IdempotencyKeyRow dedupes retried POST /gateway/execute calls, grounded
// on the teacher's otc-gateway idempotency middleware table.
type IdempotencyKeyRow struct {
	Key          string `gorm:"primaryKey"`
	OrgID        string `gorm:"primaryKey"`
	RequestHash  string `gorm:"size:64;not null"`
	StatusCode   int    `gorm:"not null"`
	ResponseBody []byte `gorm:"type:blob"`
	CreatedAt    time.Time
}

func (IdempotencyKeyRow) TableName() string { return "idempotency_keys" }

// AutoMigrate creates/updates every table this package owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ManifestRow{},
		&ApprovalRow{},
		&InteractionRecordRow{},
		&ActionCounterRow{},
		&SecretRow{},
		&IdempotencyKeyRow{},
	)
}
