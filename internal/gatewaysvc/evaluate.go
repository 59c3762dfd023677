package gatewaysvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"policygateway/internal/audit"
	"policygateway/internal/domain"
	"policygateway/internal/manifest"
	"policygateway/internal/observability"
)

// Evaluate runs the full policy pipeline as a dry run: no tool call, no
// budget consumption retained, no approval created. The budget stage
// still reserves-then-releases within the same call so the ESCALATE
// near-limit signal stays meaningful without leaving a phantom count
// behind: a dry run must never consume budget or change its state.
func (s *Service) Evaluate(ctx context.Context, req Request) (DecisionResponse, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	start := time.Now()

	manifestVal, err := s.Manifests.GetActiveManifest(ctx, req.OrgID, req.UAPKID)
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return DecisionResponse{}, fmt.Errorf("gatewaysvc: evaluate: load manifest: %w", err)
	}

	pctx := s.buildPolicyContext(req, manifestVal)
	if errors.Is(err, manifest.ErrNotFound) {
		pctx.Manifest = nil
	}

	decision, err := s.Engine.Evaluate(ctx, pctx)
	if err != nil {
		return DecisionResponse{}, fmt.Errorf("gatewaysvc: evaluate: %w", err)
	}
	s.logger().Info("decision evaluated", "component", "gatewaysvc", "org_id", req.OrgID, "uapk_id", req.UAPKID, "decision", string(decision.Kind), "dry_run", true)
	observability.Gateway().RecordDecision(string(decision.Kind), time.Since(start))
	for _, reason := range decision.Reasons {
		if reason.Code == "BUDGET_EXCEEDED" {
			observability.Gateway().RecordBudgetDenial(req.OrgID)
		}
	}

	// A reservation taken by stage 12 during a dry run is not a real
	// consumption; release it immediately so evaluate never changes budget
	// state observable by a subsequent execute.
	if decision.Kind != domain.Deny {
		if releaseErr := s.Engine.Budgets.Release(ctx, req.OrgID, req.UAPKID, pctx.Now); releaseErr != nil {
			return DecisionResponse{}, fmt.Errorf("gatewaysvc: evaluate: release dry-run budget: %w", releaseErr)
		}
	}

	return DecisionResponse{Decision: decision}, nil
}

func (s *Service) appendAuditRecord(ctx context.Context, req Request, reqHash string, decision domain.Decision, executed bool, result *domain.ConnectorResult) (domain.InteractionRecord, error) {
	recordID := newRecordID()
	draft := audit.RecordDraft{
		OrgID:       req.OrgID,
		UAPKID:      req.UAPKID,
		AgentID:     req.AgentID,
		Action:      req.Action,
		RequestHash: reqHash,
		Decision:    decision.Kind,
		Reasons:     decision.Reasons,
		PolicyTrace: decision.Trace,
		Executed:    executed,
		Result:      result,
		ApprovalID:  decision.ApprovalID,
		CreatedAt:   s.now(),
	}
	return s.Chain.Append(ctx, recordID, draft)
}
