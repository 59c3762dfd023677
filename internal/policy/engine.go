// Package policy implements the policy engine (C6): the fixed, ordered
// 13-stage pipeline that turns a PolicyContext into a Decision. Every
// stage may append a Reason and/or a TraceEntry; a DENY short-circuits
// the remaining stages, ESCALATE is sticky and keeps accumulating, and
// ALLOW is the default when nothing else fired.
package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"policygateway/internal/canon"
	"policygateway/internal/domain"
	"policygateway/internal/tokens"
)

// PolicyContext is the input to Evaluate: the resolved action plus every
// piece of state the pipeline needs to consult. Manifest is nil when no
// ACTIVE manifest exists for (OrgID, UAPKID) — stage 1 turns that into a
// DENY rather than the caller having to special-case it beforehand.
type PolicyContext struct {
	OrgID           string
	UAPKID          string
	AgentID         string
	Action          domain.Action
	Counterparty    *domain.Counterparty
	CapabilityToken string
	OverrideToken   string
	Manifest        *domain.Manifest
	Now             time.Time
}

// BudgetReserver performs the atomic daily-cap reservation/release used by
// stage 12; implemented by internal/gatewaysvc over the action_counters table.
type BudgetReserver interface {
	// Reserve attempts to claim one slot for (orgID, uapkID) on today's
	// UTC date under dailyCap. reserved is false iff the cap was already
	// met (zero rows changed); count is the counter's value after the
	// attempt (unchanged on failure).
	Reserve(ctx context.Context, orgID, uapkID string, dailyCap int64, now time.Time) (reserved bool, count int64, err error)
	// Release reverses a previously-successful Reserve.
	Release(ctx context.Context, orgID, uapkID string, now time.Time) error
}

// ApprovalLookup resolves an approval_id for stage 3's override pre-check.
type ApprovalLookup interface {
	Get(ctx context.Context, approvalID string) (domain.Approval, error)
}

// Engine evaluates actions against a manifest's policy.
type Engine struct {
	PublicKey          ed25519.PublicKey
	Budgets            BudgetReserver
	Approvals          ApprovalLookup
	DefaultDailyBudget int64
	EscalatePercent    float64
}

// NewEngine builds an Engine with the escalate_percent default of 0.9 when
// escalatePercent is zero.
func NewEngine(publicKey ed25519.PublicKey, budgets BudgetReserver, approvals ApprovalLookup, defaultDailyBudget int64, escalatePercent float64) *Engine {
	if escalatePercent <= 0 {
		escalatePercent = 0.9
	}
	return &Engine{
		PublicKey:          publicKey,
		Budgets:            budgets,
		Approvals:          approvals,
		DefaultDailyBudget: defaultDailyBudget,
		EscalatePercent:    escalatePercent,
	}
}

type state struct {
	kind             domain.DecisionKind
	reasons          []domain.Reason
	trace            []domain.TraceEntry
	overrideAccepted bool
	approvalID       string
	capability       *domain.CapabilityPayload
}

func newState() *state {
	return &state{kind: domain.Allow}
}

func (s *state) record(stage, result, detail string) {
	s.trace = append(s.trace, domain.TraceEntry{Stage: stage, Result: result, Detail: detail})
}

func (s *state) deny(stage, code, message string, details map[string]any) {
	s.kind = domain.Deny
	s.reasons = append(s.reasons, domain.Reason{Code: code, Message: message, Details: details})
	s.record(stage, "DENY", code)
}

func (s *state) escalate(stage, code, message string, details map[string]any) {
	if s.kind != domain.Deny {
		s.kind = domain.Escalate
	}
	s.reasons = append(s.reasons, domain.Reason{Code: code, Message: message, Details: details})
	s.record(stage, "ESCALATE", code)
}

func (s *state) pass(stage string) {
	s.record(stage, "PASS", "")
}

func (s *state) denied() bool { return s.kind == domain.Deny }

func (s *state) toDecision() domain.Decision {
	return domain.Decision{
		Kind:             s.kind,
		Reasons:          s.reasons,
		Trace:            s.trace,
		ApprovalRequired: s.kind == domain.Escalate,
		ApprovalID:       s.approvalID,
		OverrideAccepted: s.overrideAccepted,
	}
}

// Evaluate runs the 13-stage pipeline against pctx.
func (e *Engine) Evaluate(ctx context.Context, pctx PolicyContext) (domain.Decision, error) {
	s := newState()
	now := pctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Stage 1: manifest presence/active.
	if pctx.Manifest == nil {
		s.deny("manifest_presence", "MANIFEST_NOT_FOUND", "no ACTIVE manifest for this org/uapk_id", nil)
		return s.toDecision(), nil
	}
	s.pass("manifest_presence")
	policyCfg := pctx.Manifest.Content

	// Stage 2: capability token check.
	var capAllowedTypes, capAllowedTools []string
	if pctx.CapabilityToken != "" {
		payload, err := tokens.ParseCapability(e.PublicKey, pctx.CapabilityToken, now)
		if err != nil {
			code := capabilityErrorCode(err)
			s.deny("capability_token", code, err.Error(), nil)
			return s.toDecision(), nil
		}
		if payload.OrgID != pctx.OrgID || payload.UAPKID != pctx.UAPKID || payload.Subject != pctx.AgentID {
			s.deny("capability_token", "CAPABILITY_TOKEN_INVALID", "capability token does not bind to this org/uapk/agent", nil)
			return s.toDecision(), nil
		}
		s.capability = &payload
		capAllowedTypes = payload.AllowedActionTypes
		capAllowedTools = payload.AllowedTools
		s.pass("capability_token")
	} else {
		s.pass("capability_token")
	}

	// Stage 3: override token pre-check.
	if pctx.OverrideToken != "" {
		payload, err := tokens.ParseOverride(e.PublicKey, pctx.OverrideToken, now)
		if err != nil {
			code := overrideErrorCode(err)
			s.deny("override_token_precheck", code, err.Error(), nil)
			return s.toDecision(), nil
		}
		actionHash, err := canon.ActionHash(pctx.Action)
		if err != nil {
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_INVALID", fmt.Sprintf("could not hash action: %v", err), nil)
			return s.toDecision(), nil
		}
		if payload.ActionHash != hex.EncodeToString(actionHash[:]) {
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_ACTION_MISMATCH", "override token's action_hash does not match this request's action", nil)
			return s.toDecision(), nil
		}
		approval, err := e.Approvals.Get(ctx, payload.ApprovalID)
		if err != nil {
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_INVALID", fmt.Sprintf("approval lookup failed: %v", err), nil)
			return s.toDecision(), nil
		}
		switch {
		case approval.Status != domain.ApprovalApproved:
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_INVALID", "approval is not in APPROVED status", nil)
			return s.toDecision(), nil
		case approval.ConsumedAt != nil:
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_ALREADY_USED", "approval has already been consumed", nil)
			return s.toDecision(), nil
		case !now.Before(approval.ExpiresAt):
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_EXPIRED", "approval has expired", nil)
			return s.toDecision(), nil
		case approval.AgentID != pctx.AgentID:
			s.deny("override_token_precheck", "OVERRIDE_TOKEN_WRONG_IDENTITY", "approval does not belong to this agent", nil)
			return s.toDecision(), nil
		}
		s.overrideAccepted = true
		s.approvalID = payload.ApprovalID
		s.pass("override_token_precheck")
	} else {
		s.pass("override_token_precheck")
	}

	// Stage 4: require-capability.
	if policyCfg.RequireCapabilityToken && s.capability == nil {
		s.deny("require_capability", "CAPABILITY_REQUIRED", "this manifest requires a capability token", nil)
		return s.toDecision(), nil
	}
	s.pass("require_capability")

	// Stage 5: action type allowed.
	if !allowListAdmits(policyCfg.AllowedActionTypes, pctx.Action.Type) || !allowListAdmits(capAllowedTypes, pctx.Action.Type) {
		s.deny("action_type_allowed", "ACTION_TYPE_DENIED", fmt.Sprintf("action type %q is not allowed", pctx.Action.Type), nil)
		return s.toDecision(), nil
	}
	s.pass("action_type_allowed")

	// Stage 6: tool allow/deny.
	if contains(policyCfg.DeniedTools, pctx.Action.Tool) {
		s.deny("tool_allow_deny", "TOOL_NOT_ALLOWED", fmt.Sprintf("tool %q is explicitly denied", pctx.Action.Tool), nil)
		return s.toDecision(), nil
	}
	if !allowListAdmits(policyCfg.AllowedTools, pctx.Action.Tool) || !allowListAdmits(capAllowedTools, pctx.Action.Tool) {
		s.deny("tool_allow_deny", "TOOL_NOT_ALLOWED", fmt.Sprintf("tool %q is not allowed", pctx.Action.Tool), nil)
		return s.toDecision(), nil
	}
	s.pass("tool_allow_deny")

	// Stage 7: tool configured.
	toolCfg, toolConfigured := policyCfg.Tools[pctx.Action.Tool]
	if !toolConfigured {
		s.deny("tool_configured", "TOOL_NOT_CONFIGURED", fmt.Sprintf("tool %q has no connector configuration in this manifest", pctx.Action.Tool), nil)
		return s.toDecision(), nil
	}
	s.pass("tool_configured")

	// Stage 8: approval thresholds.
	thresholds := policyCfg.ApprovalThresholds
	thresholdTriggered := contains(thresholds.ActionTypes, pctx.Action.Type) || contains(thresholds.Tools, pctx.Action.Tool)
	if !thresholdTriggered && thresholds.Amount > 0 && pctx.Action.Amount != nil && *pctx.Action.Amount >= thresholds.Amount {
		thresholdTriggered = true
	}
	if thresholdTriggered {
		s.escalate("approval_thresholds", "APPROVAL_REQUIRED", "this action requires human approval under the manifest's approval thresholds", nil)
	} else {
		s.pass("approval_thresholds")
	}

	// Stage 9: amount caps.
	caps := policyCfg.AmountCaps
	if amount, ok := extractAmount(pctx.Action, caps); ok {
		switch {
		case caps.MaxAmount > 0 && amount > caps.MaxAmount:
			s.deny("amount_caps", "AMOUNT_CAP_EXCEEDED", fmt.Sprintf("amount %.2f exceeds max_amount %.2f", amount, caps.MaxAmount), nil)
			return s.toDecision(), nil
		case caps.EscalateAbove > 0 && amount > caps.EscalateAbove:
			s.escalate("amount_caps", "APPROVAL_REQUIRED", fmt.Sprintf("amount %.2f exceeds escalate_above %.2f", amount, caps.EscalateAbove), nil)
		default:
			s.pass("amount_caps")
		}
	} else {
		s.pass("amount_caps")
	}

	// Stage 10: jurisdiction.
	if len(policyCfg.AllowedJurisdictions) > 0 {
		jurisdiction := ""
		if pctx.Counterparty != nil {
			jurisdiction = pctx.Counterparty.Jurisdiction
		}
		if !contains(policyCfg.AllowedJurisdictions, jurisdiction) {
			s.deny("jurisdiction", "JURISDICTION_DENIED", fmt.Sprintf("jurisdiction %q is not allowed", jurisdiction), nil)
			return s.toDecision(), nil
		}
	}
	s.pass("jurisdiction")

	// Stage 11: counterparty.
	if pctx.Counterparty != nil {
		cp := policyCfg.Counterparty
		if contains(cp.Denylist, pctx.Counterparty.ID) || contains(cp.Denylist, pctx.Counterparty.Domain) {
			s.deny("counterparty", "COUNTERPARTY_DENIED", "counterparty is explicitly denied", nil)
			return s.toDecision(), nil
		}
		if len(cp.Allowlist) > 0 && !contains(cp.Allowlist, pctx.Counterparty.ID) && !contains(cp.Allowlist, pctx.Counterparty.Domain) {
			s.deny("counterparty", "COUNTERPARTY_DENIED", "counterparty is not on the allowlist", nil)
			return s.toDecision(), nil
		}
	}
	s.pass("counterparty")

	// Stage 12: budget.
	dailyCap := policyCfg.Budgets.DailyCap
	if dailyCap <= 0 {
		dailyCap = e.DefaultDailyBudget
	}
	if dailyCap > 0 && e.Budgets != nil {
		reserved, count, err := e.Budgets.Reserve(ctx, pctx.OrgID, pctx.UAPKID, dailyCap, now)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("policy: budget reservation: %w", err)
		}
		if !reserved {
			s.deny("budget", "BUDGET_EXCEEDED", fmt.Sprintf("daily cap of %d actions already reached", dailyCap), nil)
			return s.toDecision(), nil
		}
		if float64(count)/float64(dailyCap) >= e.EscalatePercent {
			s.escalate("budget", "BUDGET_NEAR_LIMIT", fmt.Sprintf("%d/%d daily actions used", count, dailyCap), nil)
		} else {
			s.pass("budget")
		}
	} else {
		s.pass("budget")
	}

	// Stage 13: override resolution.
	if s.overrideAccepted && s.kind == domain.Escalate {
		s.kind = domain.Allow
		s.reasons = append(s.reasons, domain.Reason{Code: "OVERRIDE_TOKEN_ACCEPTED", Message: "a valid override token converted this ESCALATE to ALLOW"})
		s.record("override_resolution", "ALLOW", "OVERRIDE_TOKEN_ACCEPTED")
	} else {
		s.record("override_resolution", string(s.kind), "")
	}

	return s.toDecision(), nil
}

func capabilityErrorCode(err error) string {
	switch {
	case isErr(err, tokens.ErrExpired):
		return "CAPABILITY_TOKEN_EXPIRED"
	default:
		return "CAPABILITY_TOKEN_INVALID"
	}
}

func overrideErrorCode(err error) string {
	switch {
	case isErr(err, tokens.ErrExpired):
		return "OVERRIDE_TOKEN_EXPIRED"
	default:
		return "OVERRIDE_TOKEN_INVALID"
	}
}

func isErr(err, target error) bool {
	for e := err; e != nil; {
		if e == target {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// allowListAdmits returns true when list is empty (no restriction) or
// value is a member of list.
func allowListAdmits(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	return contains(list, value)
}

func contains(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// extractAmount returns action.Amount if set, otherwise the first numeric
// value found by walking caps.ParamPaths (dot-separated) into action.Params.
func extractAmount(action domain.Action, caps domain.AmountCaps) (float64, bool) {
	if action.Amount != nil {
		return *action.Amount, true
	}
	for _, path := range caps.ParamPaths {
		if v, ok := lookupPath(action.Params, path); ok {
			if f, ok := asFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func lookupPath(params map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = params
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
