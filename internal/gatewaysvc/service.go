package gatewaysvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"policygateway/internal/audit"
	"policygateway/internal/connector"
	"policygateway/internal/domain"
	"policygateway/internal/keys"
	"policygateway/internal/policy"
	"policygateway/internal/vault"
)

func newRecordID() string { return uuid.NewString() }

// DefaultRequestDeadline bounds a single evaluate/execute call end to end,
// slightly above the default connector timeout so a slow connector call
// is what times out, not the gateway's own deadline.
const DefaultRequestDeadline = 35 * time.Second

// ManifestLookup resolves the ACTIVE manifest for (orgID, uapkID).
// manifest.Store and manifest.CachedStore both satisfy it.
type ManifestLookup interface {
	GetActiveManifest(ctx context.Context, orgID, uapkID string) (domain.Manifest, error)
}

// ApprovalStore is the subset of approval.Store the gateway service drives
// directly, beyond the policy.ApprovalLookup the engine itself needs.
type ApprovalStore interface {
	policy.ApprovalLookup
	CreatePending(ctx context.Context, orgID, uapkID, agentID string, action domain.Action) (domain.Approval, error)
	ConsumeIfValid(ctx context.Context, approvalID, interactionID string) (bool, error)
}

// Service wires the policy engine to manifest lookup, approval lifecycle,
// the audit chain, the connector registry and the secrets vault, the way
// the teacher's otc-gateway server ties its swap engine to its stores and
// settlement client in one request-scoped call.
type Service struct {
	Manifests  ManifestLookup
	Engine     *policy.Engine
	Approvals  ApprovalStore
	Chain      *audit.Chain
	Connectors *connector.Registry
	Vault      *vault.Vault
	KeyMgr     *keys.Manager
	Idempotent *IdempotencyStore
	Logger     *slog.Logger

	RequestDeadline time.Duration
	nowFn           func() time.Time
}

// NewService builds a Service with DefaultRequestDeadline unless overridden.
func NewService(
	manifests ManifestLookup,
	engine *policy.Engine,
	approvals ApprovalStore,
	chain *audit.Chain,
	connectors *connector.Registry,
	secrets *vault.Vault,
	keyMgr *keys.Manager,
	idempotent *IdempotencyStore,
) *Service {
	return &Service{
		Manifests:       manifests,
		Engine:          engine,
		Approvals:       approvals,
		Chain:           chain,
		Connectors:      connectors,
		Vault:           secrets,
		KeyMgr:          keyMgr,
		Idempotent:      idempotent,
		Logger:          slog.Default(),
		RequestDeadline: DefaultRequestDeadline,
		nowFn:           time.Now,
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time { return s.nowFn().UTC() }

// Request is the canonical shape of an evaluate/execute call.
// Context is opaque and excluded from the action hash. It is part of the
// request_hash stored in the audit record; the record does not store the
// context itself.
type Request struct {
	OrgID           string
	UAPKID          string
	AgentID         string
	Action          domain.Action
	Counterparty    *domain.Counterparty
	CapabilityToken string
	OverrideToken   string
	Context         map[string]any
}

// DecisionResponse is returned by Evaluate.
type DecisionResponse struct {
	Decision domain.Decision
}

// ExecuteResponse is returned by Execute.
type ExecuteResponse struct {
	Decision domain.Decision
	Executed bool
	Result   *domain.ConnectorResult
	RecordID string
}

func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := s.RequestDeadline
	if deadline <= 0 {
		deadline = DefaultRequestDeadline
	}
	return context.WithTimeout(ctx, deadline)
}

func (s *Service) buildPolicyContext(req Request, manifest domain.Manifest) policy.PolicyContext {
	return policy.PolicyContext{
		OrgID:           req.OrgID,
		UAPKID:          req.UAPKID,
		AgentID:         req.AgentID,
		Action:          req.Action,
		Counterparty:    req.Counterparty,
		CapabilityToken: req.CapabilityToken,
		OverrideToken:   req.OverrideToken,
		Manifest:        &manifest,
		Now:             s.now(),
	}
}
