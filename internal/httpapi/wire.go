package httpapi

import (
	"encoding/hex"
	"time"

	"policygateway/internal/domain"
	"policygateway/internal/gatewaysvc"
)

// actionWire is the JSON shape of domain.Action on the wire; handlers
// convert between it and domain.Action explicitly. The action hash is
// computed from domain.Action.HashInput, not from this struct.
type actionWire struct {
	Type        string         `json:"type"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Amount      *float64       `json:"amount,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Description string         `json:"description,omitempty"`
}

func (a actionWire) toDomain() domain.Action {
	return domain.Action{
		Type:        a.Type,
		Tool:        a.Tool,
		Params:      a.Params,
		Amount:      a.Amount,
		Currency:    a.Currency,
		Description: a.Description,
	}
}

func actionToWire(a domain.Action) actionWire {
	return actionWire{
		Type: a.Type, Tool: a.Tool, Params: a.Params,
		Amount: a.Amount, Currency: a.Currency, Description: a.Description,
	}
}

type counterpartyWire struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

func (c *counterpartyWire) toDomain() *domain.Counterparty {
	if c == nil {
		return nil
	}
	return &domain.Counterparty{ID: c.ID, Name: c.Name, Email: c.Email, Domain: c.Domain, Jurisdiction: c.Jurisdiction}
}

// gatewayRequestWire is the JSON body shared by /gateway/evaluate and
// /gateway/execute.
type gatewayRequestWire struct {
	OrgID           string            `json:"org_id"`
	UAPKID          string            `json:"uapk_id"`
	AgentID         string            `json:"agent_id"`
	Action          actionWire        `json:"action"`
	Counterparty    *counterpartyWire `json:"counterparty,omitempty"`
	CapabilityToken string            `json:"capability_token,omitempty"`
	OverrideToken   string            `json:"override_token,omitempty"`
	Context         map[string]any    `json:"context,omitempty"`
}

func (w gatewayRequestWire) validate() string {
	switch {
	case w.OrgID == "":
		return "org_id is required"
	case w.UAPKID == "":
		return "uapk_id is required"
	case w.AgentID == "":
		return "agent_id is required"
	case w.Action.Type == "":
		return "action.type is required"
	case w.Action.Tool == "":
		return "action.tool is required"
	default:
		return ""
	}
}

func (w gatewayRequestWire) toServiceRequest() gatewaysvc.Request {
	return gatewaysvc.Request{
		OrgID:           w.OrgID,
		UAPKID:          w.UAPKID,
		AgentID:         w.AgentID,
		Action:          w.Action.toDomain(),
		Counterparty:    w.Counterparty.toDomain(),
		CapabilityToken: w.CapabilityToken,
		OverrideToken:   w.OverrideToken,
		Context:         w.Context,
	}
}

type reasonWire struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func reasonsToWire(reasons []domain.Reason) []reasonWire {
	out := make([]reasonWire, len(reasons))
	for i, r := range reasons {
		out[i] = reasonWire{Code: r.Code, Message: r.Message, Details: r.Details}
	}
	return out
}

type decisionResponseWire struct {
	InteractionID string       `json:"interaction_id"`
	Decision      string       `json:"decision"`
	Reasons       []reasonWire `json:"reasons"`
	ApprovalID    string       `json:"approval_id,omitempty"`
	PolicyVersion string       `json:"policy_version,omitempty"`
	Timestamp     string       `json:"timestamp"`
}

func newDecisionResponseWire(interactionID string, decision domain.Decision, policyVersion string) decisionResponseWire {
	return decisionResponseWire{
		InteractionID: interactionID,
		Decision:      string(decision.Kind),
		Reasons:       reasonsToWire(decision.Reasons),
		ApprovalID:    decision.ApprovalID,
		PolicyVersion: policyVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

type resultWire struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

func resultToWire(r *domain.ConnectorResult) *resultWire {
	if r == nil {
		return nil
	}
	errMsg := r.ErrorMessage
	if errMsg == "" {
		errMsg = r.ErrorCode
	}
	return &resultWire{
		Success: r.Success, Data: r.Data, Error: errMsg,
		ResultHash: r.ResultHash, StatusCode: r.StatusCode, DurationMS: r.DurationMS,
	}
}

type executeResponseWire struct {
	decisionResponseWire
	Executed bool        `json:"executed"`
	Result   *resultWire `json:"result,omitempty"`
}

func manifestContentHashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// manifestWire is the read-only admin-inspection shape for GET
// /orgs/{org_id}/manifests/{uapk_id}; Content is passed through as-is
// since domain.PolicyConfig is an internal, not wire, type.
type manifestWire struct {
	OrgID       string              `json:"org_id"`
	UAPKID      string              `json:"uapk_id"`
	Version     int                 `json:"version"`
	Status      string              `json:"status"`
	ContentHash string              `json:"content_hash"`
	Content     domain.PolicyConfig `json:"content"`
}

func manifestToWire(m domain.Manifest) manifestWire {
	return manifestWire{
		OrgID: m.OrgID, UAPKID: m.UAPKID, Version: m.Version,
		Status: string(m.Status), ContentHash: manifestContentHashHex(m.ContentHash), Content: m.Content,
	}
}
