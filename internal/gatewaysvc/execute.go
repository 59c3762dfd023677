package gatewaysvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"policygateway/internal/domain"
	"policygateway/internal/manifest"
	"policygateway/internal/observability"
)

// Execute runs the full pipeline with side effects: load manifest, evaluate
// (which reserves budget on ALLOW), then branch on the decision kind.
func (s *Service) Execute(ctx context.Context, req Request, idempotencyKey string) (ExecuteResponse, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	reqHash, err := requestHash(req)
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: hash request: %w", err)
	}

	if idempotencyKey != "" && s.Idempotent != nil {
		cached, hit, err := s.Idempotent.Lookup(ctx, req.OrgID, idempotencyKey, reqHash)
		if err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: idempotency lookup: %w", err)
		}
		if hit {
			return cached, nil
		}
	}

	resp, err := s.execute(ctx, req, reqHash)
	if err != nil {
		return ExecuteResponse{}, err
	}

	if idempotencyKey != "" && s.Idempotent != nil {
		if err := s.Idempotent.Store(ctx, req.OrgID, idempotencyKey, reqHash, resp); err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: idempotency store: %w", err)
		}
	}
	return resp, nil
}

func (s *Service) execute(ctx context.Context, req Request, reqHash string) (ExecuteResponse, error) {
	start := time.Now()
	manifestVal, err := s.Manifests.GetActiveManifest(ctx, req.OrgID, req.UAPKID)
	manifestMissing := errors.Is(err, manifest.ErrNotFound)
	if err != nil && !manifestMissing {
		return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: load manifest: %w", err)
	}

	pctx := s.buildPolicyContext(req, manifestVal)
	if manifestMissing {
		pctx.Manifest = nil
	}

	decision, err := s.Engine.Evaluate(ctx, pctx)
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: %w", err)
	}
	s.logger().Info("decision evaluated", "component", "gatewaysvc", "org_id", req.OrgID, "uapk_id", req.UAPKID, "decision", string(decision.Kind), "dry_run", false)
	observability.Gateway().RecordDecision(string(decision.Kind), time.Since(start))

	switch decision.Kind {
	case domain.Deny:
		// Stage 12 never reserved on a DENY path that denied before the
		// budget stage ran, but a budget-stage DENY (BUDGET_EXCEEDED) also
		// never reserved since Reserve itself reports reserved=false. No
		// release is needed either way.
		for _, reason := range decision.Reasons {
			if reason.Code == "BUDGET_EXCEEDED" {
				observability.Gateway().RecordBudgetDenial(req.OrgID)
			}
		}
		record, err := s.appendAuditRecord(ctx, req, reqHash, decision, false, nil)
		if err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: append deny record: %w", err)
		}
		return ExecuteResponse{Decision: decision, RecordID: record.RecordID}, nil

	case domain.Escalate:
		if err := s.Engine.Budgets.Release(ctx, req.OrgID, req.UAPKID, pctx.Now); err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: release escalate budget: %w", err)
		}
		approval, err := s.Approvals.CreatePending(ctx, req.OrgID, req.UAPKID, req.AgentID, req.Action)
		if err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: create pending approval: %w", err)
		}
		observability.Gateway().RecordApprovalEvent("created")
		decision.ApprovalID = approval.ApprovalID
		record, err := s.appendAuditRecord(ctx, req, reqHash, decision, false, nil)
		if err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: append escalate record: %w", err)
		}
		return ExecuteResponse{Decision: decision, RecordID: record.RecordID}, nil

	default: // domain.Allow
		return s.executeAllow(ctx, req, reqHash, decision, pctx.Now)
	}
}

// executeAllow handles the ALLOW path: consuming an override token if one
// drove the ALLOW, dispatching the connector, and appending the final
// record. now is the policy evaluation's Now, reused for the budget
// release on the override-already-used rewrite path.
func (s *Service) executeAllow(ctx context.Context, req Request, reqHash string, decision domain.Decision, now time.Time) (ExecuteResponse, error) {
	if decision.OverrideAccepted {
		recordIDPlaceholder := newRecordID()
		consumed, err := s.Approvals.ConsumeIfValid(ctx, decision.ApprovalID, recordIDPlaceholder)
		if err != nil {
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: consume override token: %w", err)
		}
		if !consumed {
			decision.Kind = domain.Deny
			decision.Reasons = append(decision.Reasons, domain.Reason{
				Code:    "OVERRIDE_TOKEN_ALREADY_USED",
				Message: "override token was already consumed by another request",
			})
			if err := s.Engine.Budgets.Release(ctx, req.OrgID, req.UAPKID, now); err != nil {
				return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: release budget after replay: %w", err)
			}
			record, err := s.appendAuditRecord(ctx, req, reqHash, decision, false, nil)
			if err != nil {
				return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: append replay-deny record: %w", err)
			}
			return ExecuteResponse{Decision: decision, RecordID: record.RecordID}, nil
		}
	}

	toolCfg, headers, err := s.resolveToolConfig(ctx, req)
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: resolve tool config: %w", err)
	}
	if len(headers) > 0 {
		merged := make(map[string]string, len(toolCfg.Headers)+len(headers))
		for k, v := range toolCfg.Headers {
			merged[k] = v
		}
		for k, v := range headers {
			merged[k] = v
		}
		toolCfg.Headers = merged
	}

	connectorImpl, ok := s.Connectors.Resolve(toolCfg.Type)
	if !ok {
		return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: no connector registered for type %q", toolCfg.Type)
	}

	connectorStart := time.Now()
	result, err := connectorImpl.Execute(ctx, toolCfg, req.Action)
	if err != nil {
		if ctx.Err() != nil {
			result = domain.ConnectorResult{Success: false, ErrorCode: "CLIENT_CANCELLED", ErrorMessage: ctx.Err().Error()}
		} else {
			observability.Gateway().RecordConnectorCall(toolCfg.Type, "error", time.Since(connectorStart))
			return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: connector dispatch: %w", err)
		}
	}
	connectorOutcome := "success"
	if !result.Success {
		connectorOutcome = "failure"
	}
	observability.Gateway().RecordConnectorCall(toolCfg.Type, connectorOutcome, time.Since(connectorStart))

	record, err := s.appendAuditRecord(ctx, req, reqHash, decision, true, &result)
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("gatewaysvc: execute: append allow record: %w", err)
	}
	return ExecuteResponse{Decision: decision, Executed: true, Result: &result, RecordID: record.RecordID}, nil
}

// resolveToolConfig fetches the tool's connector config from the ACTIVE
// manifest and resolves any vault-backed header secrets (C11).
func (s *Service) resolveToolConfig(ctx context.Context, req Request) (domain.ToolConfig, map[string]string, error) {
	manifestVal, err := s.Manifests.GetActiveManifest(ctx, req.OrgID, req.UAPKID)
	if err != nil {
		return domain.ToolConfig{}, nil, err
	}
	toolCfg, ok := manifestVal.Content.Tools[req.Action.Tool]
	if !ok {
		return domain.ToolConfig{}, nil, fmt.Errorf("tool %q not configured", req.Action.Tool)
	}
	if len(toolCfg.SecretRefs) == 0 || s.Vault == nil {
		return toolCfg, nil, nil
	}
	headers, err := s.Vault.ResolveRefs(ctx, req.OrgID, toolCfg)
	if err != nil {
		return domain.ToolConfig{}, nil, fmt.Errorf("resolve secret refs: %w", err)
	}
	return toolCfg, headers, nil
}
