// Package audit implements the tamper-evident audit chain (C8):
// per-(org_id, uapk_id) hash-chained, Ed25519-signed interaction records,
// chain verification, and a verifiable export bundle (export.go, grounded
// on the binary Merkle tree in merkle.go).
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"policygateway/internal/canon"
	"policygateway/internal/domain"
	"policygateway/internal/keys"
	"policygateway/internal/store"
)

// GenesisHash is the previous-hash value for the first record of a chain.
var GenesisHash = hex.EncodeToString(make([]byte, 32))

// Chain appends and verifies interaction records.
type Chain struct {
	db     *gorm.DB
	keyMgr *keys.Manager

	// locks serializes appends per (org_id, uapk_id) so previous_record_hash
	// is never computed from a stale read.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewChain builds a Chain.
func NewChain(db *gorm.DB, keyMgr *keys.Manager) *Chain {
	return &Chain{db: db, keyMgr: keyMgr, locks: make(map[string]*sync.Mutex)}
}

func (c *Chain) lockFor(orgID, uapkID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := orgID + "/" + uapkID
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// RecordDraft is the not-yet-hashed, not-yet-signed shape of an append call.
type RecordDraft struct {
	OrgID         string
	UAPKID        string
	AgentID       string
	Action        domain.Action
	RequestHash   string
	Decision      domain.DecisionKind
	Reasons       []domain.Reason
	PolicyTrace   []domain.TraceEntry
	Executed      bool
	Result        *domain.ConnectorResult
	ApprovalID    string
	PolicyVersion string
	CreatedAt     time.Time
}

// hashable is the part of an interaction record that participates in the
// record_hash: everything except record_hash, gateway_signature and
// previous_record_hash itself.
type hashable struct {
	RecordID      string                   `json:"record_id"`
	OrgID         string                   `json:"org_id"`
	UAPKID        string                   `json:"uapk_id"`
	AgentID       string                   `json:"agent_id"`
	Action        domain.Action            `json:"action"`
	RequestHash   string                   `json:"request_hash"`
	Decision      domain.DecisionKind      `json:"decision"`
	Reasons       []domain.Reason          `json:"reasons"`
	PolicyTrace   []domain.TraceEntry      `json:"policy_trace"`
	Executed      bool                     `json:"executed"`
	Result        *domain.ConnectorResult  `json:"result,omitempty"`
	ApprovalID    string                   `json:"approval_id,omitempty"`
	PolicyVersion string                   `json:"policy_version"`
	CreatedAt     time.Time                `json:"created_at"`
}

// Append writes draft as the next record on its (org_id, uapk_id) chain,
// under a per-chain lock so previous_record_hash is never stale.
func (c *Chain) Append(ctx context.Context, recordID string, draft RecordDraft) (domain.InteractionRecord, error) {
	lock := c.lockFor(draft.OrgID, draft.UAPKID)
	lock.Lock()
	defer lock.Unlock()

	var lastHash string
	err := c.db.WithContext(ctx).Model(&store.InteractionRecordRow{}).
		Where("org_id = ? AND uapk_id = ?", draft.OrgID, draft.UAPKID).
		Order("created_at DESC").
		Limit(1).
		Pluck("record_hash", &lastHash).Error
	if err != nil {
		return domain.InteractionRecord{}, fmt.Errorf("audit: fetch last hash: %w", err)
	}
	if lastHash == "" {
		lastHash = GenesisHash
	}

	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	h := hashable{
		RecordID: recordID, OrgID: draft.OrgID, UAPKID: draft.UAPKID, AgentID: draft.AgentID,
		Action: draft.Action, RequestHash: draft.RequestHash, Decision: draft.Decision,
		Reasons: draft.Reasons, PolicyTrace: draft.PolicyTrace, Executed: draft.Executed,
		Result: draft.Result, ApprovalID: draft.ApprovalID, PolicyVersion: draft.PolicyVersion,
		CreatedAt: draft.CreatedAt,
	}
	canonical, err := canon.Canonicalize(h)
	if err != nil {
		return domain.InteractionRecord{}, fmt.Errorf("audit: canonicalize record: %w", err)
	}
	prevBytes, err := hex.DecodeString(lastHash)
	if err != nil {
		return domain.InteractionRecord{}, fmt.Errorf("audit: decode previous hash: %w", err)
	}
	sum := sha256.Sum256(append(canonical, prevBytes...))
	recordHash := hex.EncodeToString(sum[:])
	signature := c.keyMgr.Sign(sum[:])

	actionJSON, _ := json.Marshal(draft.Action)
	reasonsJSON, _ := json.Marshal(draft.Reasons)
	traceJSON, _ := json.Marshal(draft.PolicyTrace)
	var resultJSON []byte
	if draft.Result != nil {
		resultJSON, _ = json.Marshal(draft.Result)
	}

	row := store.InteractionRecordRow{
		RecordID: recordID, OrgID: draft.OrgID, UAPKID: draft.UAPKID, AgentID: draft.AgentID,
		ActionJSON: string(actionJSON), RequestHash: draft.RequestHash, Decision: string(draft.Decision),
		ReasonsJSON: string(reasonsJSON), PolicyTraceJSON: string(traceJSON), Executed: draft.Executed,
		ResultJSON: string(resultJSON), ApprovalID: draft.ApprovalID,
		PreviousRecordHash: lastHash, RecordHash: recordHash,
		GatewaySignature: hex.EncodeToString(signature), PolicyVersion: draft.PolicyVersion,
		CreatedAt: draft.CreatedAt,
	}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.InteractionRecord{}, fmt.Errorf("audit: persist record: %w", err)
	}

	return domain.InteractionRecord{
		RecordID: recordID, OrgID: draft.OrgID, UAPKID: draft.UAPKID, AgentID: draft.AgentID,
		Action: draft.Action, RequestHash: draft.RequestHash, Decision: draft.Decision,
		Reasons: draft.Reasons, PolicyTrace: draft.PolicyTrace, Executed: draft.Executed,
		Result: draft.Result, ApprovalID: draft.ApprovalID,
		PreviousRecordHash: lastHash, RecordHash: recordHash,
		GatewaySignature: hex.EncodeToString(signature), PolicyVersion: draft.PolicyVersion,
		CreatedAt: draft.CreatedAt,
	}, nil
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	ChainValid          bool
	SignatureValidCount int
	RecordCount         int
	MismatchIndex       int
	ExpectedHash        string
	GotHash             string
}

// VerifyChain walks every record for (orgID, uapkID) in insertion order,
// recomputing each record_hash and checking its signature, stopping at the
// first mismatch.
func (c *Chain) VerifyChain(ctx context.Context, orgID, uapkID string) (VerifyResult, error) {
	var rows []store.InteractionRecordRow
	if err := c.db.WithContext(ctx).
		Where("org_id = ? AND uapk_id = ?", orgID, uapkID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return VerifyResult{}, fmt.Errorf("audit: load chain: %w", err)
	}

	result := VerifyResult{ChainValid: true, RecordCount: len(rows)}
	prevHash := GenesisHash
	pub := c.keyMgr.PublicKey()

	for i, row := range rows {
		var action domain.Action
		var reasons []domain.Reason
		var trace []domain.TraceEntry
		var res *domain.ConnectorResult
		if err := json.Unmarshal([]byte(row.ActionJSON), &action); err != nil {
			return VerifyResult{}, fmt.Errorf("audit: decode action at %d: %w", i, err)
		}
		if row.ReasonsJSON != "" {
			json.Unmarshal([]byte(row.ReasonsJSON), &reasons)
		}
		if row.PolicyTraceJSON != "" {
			json.Unmarshal([]byte(row.PolicyTraceJSON), &trace)
		}
		if row.ResultJSON != "" {
			res = &domain.ConnectorResult{}
			json.Unmarshal([]byte(row.ResultJSON), res)
		}

		h := hashable{
			RecordID: row.RecordID, OrgID: row.OrgID, UAPKID: row.UAPKID, AgentID: row.AgentID,
			Action: action, RequestHash: row.RequestHash, Decision: domain.DecisionKind(row.Decision),
			Reasons: reasons, PolicyTrace: trace, Executed: row.Executed, Result: res,
			ApprovalID: row.ApprovalID, PolicyVersion: row.PolicyVersion, CreatedAt: row.CreatedAt,
		}
		canonical, err := canon.Canonicalize(h)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: canonicalize at %d: %w", i, err)
		}
		prevBytes, err := hex.DecodeString(prevHash)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: decode previous hash at %d: %w", i, err)
		}
		sum := sha256.Sum256(append(canonical, prevBytes...))
		expected := hex.EncodeToString(sum[:])

		if expected != row.RecordHash || row.PreviousRecordHash != prevHash {
			result.ChainValid = false
			result.MismatchIndex = i
			result.ExpectedHash = expected
			result.GotHash = row.RecordHash
			return result, nil
		}

		sig, err := hex.DecodeString(row.GatewaySignature)
		if err != nil || !keys.VerifyWith(pub, sum[:], sig) {
			result.ChainValid = false
			result.MismatchIndex = i
			result.ExpectedHash = expected
			result.GotHash = row.RecordHash
			return result, nil
		}
		result.SignatureValidCount++
		prevHash = row.RecordHash
	}
	return result, nil
}

// ErrChainEmpty is returned by export when no records exist for the chain.
var ErrChainEmpty = errors.New("audit: chain has no records")

// ListRecords returns interaction records for orgID, optionally narrowed to
// one uapkID and/or a [from, to) window, newest first, for the read-only
// /orgs/{org_id}/interaction-records endpoint.
func (c *Chain) ListRecords(ctx context.Context, orgID, uapkID string, from, to time.Time) ([]domain.InteractionRecord, error) {
	q := c.db.WithContext(ctx).Where("org_id = ?", orgID)
	if uapkID != "" {
		q = q.Where("uapk_id = ?", uapkID)
	}
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to)
	}
	var rows []store.InteractionRecordRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: list records: %w", err)
	}
	out := make([]domain.InteractionRecord, 0, len(rows))
	for _, row := range rows {
		var action domain.Action
		var reasons []domain.Reason
		var trace []domain.TraceEntry
		var result *domain.ConnectorResult
		if err := json.Unmarshal([]byte(row.ActionJSON), &action); err != nil {
			return nil, fmt.Errorf("audit: decode action for %s: %w", row.RecordID, err)
		}
		if row.ReasonsJSON != "" {
			json.Unmarshal([]byte(row.ReasonsJSON), &reasons)
		}
		if row.PolicyTraceJSON != "" {
			json.Unmarshal([]byte(row.PolicyTraceJSON), &trace)
		}
		if row.ResultJSON != "" {
			result = &domain.ConnectorResult{}
			json.Unmarshal([]byte(row.ResultJSON), result)
		}
		out = append(out, domain.InteractionRecord{
			RecordID: row.RecordID, OrgID: row.OrgID, UAPKID: row.UAPKID, AgentID: row.AgentID,
			Action: action, RequestHash: row.RequestHash, Decision: domain.DecisionKind(row.Decision),
			Reasons: reasons, PolicyTrace: trace, Executed: row.Executed, Result: result,
			ApprovalID: row.ApprovalID, PreviousRecordHash: row.PreviousRecordHash, RecordHash: row.RecordHash,
			GatewaySignature: row.GatewaySignature, PolicyVersion: row.PolicyVersion, CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}
