// Package domain holds the shared value types that flow between the
// policy gateway's components: actions, manifests, tokens, approvals and
// interaction records. Nothing in this package touches storage or
// transport; it is the vocabulary every other internal package imports.
package domain

import "time"

// ManifestStatus is the lifecycle state of a Manifest.
type ManifestStatus string

const (
	ManifestPending  ManifestStatus = "PENDING"
	ManifestActive   ManifestStatus = "ACTIVE"
	ManifestInactive ManifestStatus = "INACTIVE"
)

// Manifest is the signed policy artefact for one agent type within one org.
type Manifest struct {
	OrgID       string
	UAPKID      string
	Version     int
	Status      ManifestStatus
	Content     PolicyConfig
	ContentHash [32]byte
}

// AmountCaps bounds the monetary exposure of a single action.
type AmountCaps struct {
	MaxAmount     float64  `json:"max_amount"`
	EscalateAbove float64  `json:"escalate_above"`
	ParamPaths    []string `json:"param_paths,omitempty"`
	CurrencyField string   `json:"currency_field,omitempty"`
}

// ApprovalThresholds describes when an action must be escalated for human review.
type ApprovalThresholds struct {
	Amount      float64  `json:"amount"`
	ActionTypes []string `json:"action_types,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// CounterpartyRules is the allow/deny configuration for the Counterparty entity.
type CounterpartyRules struct {
	Allowlist []string `json:"allowlist,omitempty"`
	Denylist  []string `json:"denylist,omitempty"`
}

// BudgetConfig bounds the number of allowed actions per UTC day.
type BudgetConfig struct {
	DailyCap int64 `json:"daily_cap"`
}

// PolicyConfig is the normalised, engine-native policy shape consumed by C6.
// It is the in-memory result of field-name normalisation: callers never
// see the manifest's original (possibly legacy) field names.
type PolicyConfig struct {
	AllowedActionTypes     []string              `json:"allowed_action_types,omitempty"`
	AllowedTools           []string              `json:"allowed_tools,omitempty"`
	DeniedTools            []string              `json:"denied_tools,omitempty"`
	AllowedJurisdictions   []string              `json:"allowed_jurisdictions,omitempty"`
	Counterparty           CounterpartyRules     `json:"counterparty"`
	AmountCaps             AmountCaps            `json:"amount_caps"`
	ApprovalThresholds     ApprovalThresholds    `json:"approval_thresholds"`
	Budgets                BudgetConfig          `json:"budgets"`
	RequireCapabilityToken bool                  `json:"require_capability_token"`
	Tools                  map[string]ToolConfig `json:"tools,omitempty"`
}

// ConnectorType enumerates the supported tool connector implementations.
type ConnectorType string

const (
	ConnectorMock    ConnectorType = "mock"
	ConnectorHTTP    ConnectorType = "http"
	ConnectorWebhook ConnectorType = "webhook"
)

// ToolConfig is the per-tool connector configuration embedded in a manifest.
type ToolConfig struct {
	Type             ConnectorType     `json:"type"`
	URL              string            `json:"url,omitempty"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	AllowedDomains   []string          `json:"allowed_domains,omitempty"`
	TimeoutMS        int               `json:"timeout_ms,omitempty"`
	MaxResponseBytes int64             `json:"max_response_bytes,omitempty"`
	SecretRefs       []string          `json:"secret_refs,omitempty"`
	MockResult       map[string]any    `json:"mock_result,omitempty"`
}

// Counterparty identifies the other side of a proposed action, if any.
type Counterparty struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Action is the ephemeral request describing what an agent wants to do.
type Action struct {
	Type        string         `json:"type"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Amount      *float64       `json:"amount,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Description string         `json:"description,omitempty"`
}

// HashInput returns the subset of the action that participates in the
// action hash: type, tool, params, and amount/currency when set;
// description is excluded.
func (a Action) HashInput() map[string]any {
	out := map[string]any{
		"type":   a.Type,
		"tool":   a.Tool,
		"params": a.Params,
	}
	if a.Amount != nil {
		out["amount"] = *a.Amount
	}
	if a.Currency != "" {
		out["currency"] = a.Currency
	}
	return out
}

// TokenType distinguishes capability (delegation) from override (approval-bound) tokens.
type TokenType string

const (
	TokenCapability TokenType = "capability"
	TokenOverride   TokenType = "override"
)

// CapabilityPayload is the signed body of a delegation token.
type CapabilityPayload struct {
	TokenType         TokenType `json:"token_type"`
	Issuer            string    `json:"iss"`
	Subject           string    `json:"sub"`
	OrgID             string    `json:"org_id"`
	UAPKID            string    `json:"uapk_id"`
	AllowedActionTypes []string `json:"allowed_action_types,omitempty"`
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	Constraints        map[string]any `json:"constraints,omitempty"`
	NotBefore          int64     `json:"nbf"`
	Expiry             int64     `json:"exp"`
	JTI                string    `json:"jti"`
}

// OverridePayload is the signed body of an approval-bound override token.
type OverridePayload struct {
	TokenType  TokenType `json:"token_type"`
	ApprovalID string    `json:"approval_id"`
	ActionHash string    `json:"action_hash"`
	IssuedAt   int64     `json:"iat"`
	Expiry     int64     `json:"exp"`
	JTI        string    `json:"jti"`
}

// ApprovalStatus is the lifecycle state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Approval is the lifecycle record for an escalated action.
type Approval struct {
	ApprovalID            string
	OrgID                 string
	UAPKID                string
	AgentID                string
	Action                 Action
	ActionHash             string
	Status                 ApprovalStatus
	CreatedAt              time.Time
	ExpiresAt              time.Time
	DecidedAt              *time.Time
	DecidedBy              string
	ConsumedAt             *time.Time
	ConsumedInteractionID  string
	OverrideTokenHash      string
}

// DecisionKind is the three-way outcome of the policy engine.
type DecisionKind string

const (
	Allow    DecisionKind = "ALLOW"
	Deny     DecisionKind = "DENY"
	Escalate DecisionKind = "ESCALATE"
)

// Reason is a single policy-stage finding attached to a Decision.
type Reason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// TraceEntry is one stage outcome retained in the policy_trace for audit.
type TraceEntry struct {
	Stage  string `json:"stage"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// Decision is the outcome of evaluating an Action against a manifest.
type Decision struct {
	Kind              DecisionKind
	Reasons           []Reason
	Trace             []TraceEntry
	ApprovalRequired  bool
	ApprovalID        string
	OverrideAccepted  bool
}

// ConnectorResult is what a ToolConnector returns; it never throws across
// the connector boundary.
type ConnectorResult struct {
	Success      bool
	Data         map[string]any
	ErrorCode    string
	ErrorMessage string
	StatusCode   int
	ResultHash   string
	DurationMS   int64
}

// InteractionRecord is one append-only audit chain entry.
type InteractionRecord struct {
	RecordID           string
	OrgID              string
	UAPKID             string
	AgentID            string
	Action             Action
	RequestHash        string
	Decision           DecisionKind
	Reasons            []Reason
	PolicyTrace        []TraceEntry
	Executed           bool
	Result             *ConnectorResult
	ApprovalID         string
	PreviousRecordHash string
	RecordHash         string
	GatewaySignature   string
	PolicyVersion      string
	CreatedAt          time.Time
}

// GenesisHash is the previous-hash value for the first record of a chain.
var GenesisHash = [32]byte{}
