// normalize.go implements the legacy/canonical policy field-name mapping:
// manifest authors may use either the engine-native field names or a set
// of known legacy aliases, and on conflict the engine-native name always
// wins. Normalization happens once, when a manifest is loaded
// into the engine-native domain.PolicyConfig shape, so internal/policy
// never has to know about aliases.
package manifest

import (
	"encoding/json"
	"fmt"

	"policygateway/internal/domain"
)

// rawPolicy is the wire/storage shape of a manifest's policy content,
// accepting both engine-native and legacy field names.
type rawPolicy struct {
	AllowedActionTypes []string `json:"allowed_action_types,omitempty"`

	AllowedTools []string `json:"allowed_tools,omitempty"`
	ToolAllowlist []string `json:"tool_allowlist,omitempty"` // legacy alias of allowed_tools

	DeniedTools []string `json:"denied_tools,omitempty"`
	ToolDenylist []string `json:"tool_denylist,omitempty"` // legacy alias of denied_tools

	AllowedJurisdictions []string `json:"allowed_jurisdictions,omitempty"`
	JurisdictionAllowlist []string `json:"jurisdiction_allowlist,omitempty"` // legacy alias

	// Counterparty is the nested engine-native {allowlist,denylist} object;
	// CounterpartyAllowlist/CounterpartyDenylist are the flat legacy aliases.
	Counterparty          *rawCounterparty `json:"counterparty,omitempty"`
	CounterpartyAllowlist []string         `json:"counterparty_allowlist,omitempty"`
	CounterpartyDenylist  []string         `json:"counterparty_denylist,omitempty"`

	MaxAmount     *float64 `json:"max_amount,omitempty"`
	AmountCap     *float64 `json:"amount_cap,omitempty"` // legacy alias of max_amount
	EscalateAbove *float64 `json:"escalate_above,omitempty"`

	// AmountCaps accepts either the engine-native nested object
	// ({max_amount, escalate_above, param_paths, currency_field}) or the
	// legacy currency-keyed map ({"USD": 500, "EUR": 400, …}); see
	// rawAmountCaps.UnmarshalJSON.
	AmountCaps *rawAmountCaps `json:"amount_caps,omitempty"`

	ApprovalThresholdAmount      *float64 `json:"approval_threshold_amount,omitempty"`
	RequireApprovalAbove         *float64 `json:"require_approval_above,omitempty"` // legacy alias
	ApprovalRequiredActionTypes  []string `json:"approval_required_action_types,omitempty"`
	ApprovalRequiredTools        []string `json:"approval_required_tools,omitempty"`

	DailyBudget      *int64 `json:"daily_budget,omitempty"`
	DailyActionCap   *int64 `json:"daily_action_cap,omitempty"` // legacy alias of daily_budget

	RequireCapabilityToken *bool `json:"require_capability_token,omitempty"`

	Tools map[string]domain.ToolConfig `json:"tools,omitempty"`
}

// rawCounterparty is the nested engine-native counterparty rules object.
type rawCounterparty struct {
	Allowlist []string `json:"allowlist,omitempty"`
	Denylist  []string `json:"denylist,omitempty"`
}

// defaultAmountCapParamPaths is applied when a legacy currency-keyed
// amount_caps map is normalised and no engine-native param_paths were
// given, per the manifest field-normalisation table.
var defaultAmountCapParamPaths = []string{"amount", "value", "total"}

// rawAmountCaps is amount_caps after normalisation out of either wire
// shape: the engine-native object, or the legacy currency-keyed map. Only
// one of the two is ever populated per document.
type rawAmountCaps struct {
	MaxAmount     *float64
	EscalateAbove *float64
	ParamPaths    []string
	CurrencyField string

	// legacyByCurrency holds the raw {CUR: n, …} map when the document
	// used the legacy shape instead of the engine-native object.
	legacyByCurrency map[string]float64
}

// amountCapsNativeKeys are the field names that, if any is present,
// identify the payload as the engine-native object shape rather than a
// currency-keyed map.
var amountCapsNativeKeys = []string{"max_amount", "escalate_above", "param_paths", "currency_field"}

// UnmarshalJSON detects which of the two accepted amount_caps shapes data
// is: the engine-native object (identified by any of amountCapsNativeKeys
// being present) or the legacy currency-keyed map, e.g. {"USD": 500}.
func (r *rawAmountCaps) UnmarshalJSON(data []byte) error {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("manifest: amount_caps: %w", err)
	}

	isNative := false
	for _, key := range amountCapsNativeKeys {
		if _, ok := generic[key]; ok {
			isNative = true
			break
		}
	}

	if isNative {
		var native struct {
			MaxAmount     *float64 `json:"max_amount,omitempty"`
			EscalateAbove *float64 `json:"escalate_above,omitempty"`
			ParamPaths    []string `json:"param_paths,omitempty"`
			CurrencyField string   `json:"currency_field,omitempty"`
		}
		if err := json.Unmarshal(data, &native); err != nil {
			return fmt.Errorf("manifest: amount_caps: %w", err)
		}
		r.MaxAmount = native.MaxAmount
		r.EscalateAbove = native.EscalateAbove
		r.ParamPaths = native.ParamPaths
		r.CurrencyField = native.CurrencyField
		return nil
	}

	byCurrency := make(map[string]float64, len(generic))
	for currency, raw := range generic {
		var amount float64
		if err := json.Unmarshal(raw, &amount); err != nil {
			return fmt.Errorf("manifest: amount_caps legacy entry %q: %w", currency, err)
		}
		byCurrency[currency] = amount
	}
	r.legacyByCurrency = byCurrency
	return nil
}

// resolve converts the detected shape into the three engine-native values,
// applying the legacy-map-to-native conversion from the field
// normalisation table: max(n), the default param paths, and "currency".
func (r *rawAmountCaps) resolve() (maxAmount float64, escalateAbove float64, paramPaths []string, currencyField string) {
	if r == nil {
		return 0, 0, nil, ""
	}
	if r.legacyByCurrency != nil {
		for _, v := range r.legacyByCurrency {
			if v > maxAmount {
				maxAmount = v
			}
		}
		return maxAmount, 0, defaultAmountCapParamPaths, "currency"
	}
	if r.MaxAmount != nil {
		maxAmount = *r.MaxAmount
	}
	if r.EscalateAbove != nil {
		escalateAbove = *r.EscalateAbove
	}
	return maxAmount, escalateAbove, r.ParamPaths, r.CurrencyField
}

// firstFloat returns the first non-nil pointer's value, engine-native
// first; native wins when both are set.
func firstFloat(native, legacy *float64) float64 {
	if native != nil {
		return *native
	}
	if legacy != nil {
		return *legacy
	}
	return 0
}

func firstInt64(native, legacy *int64) int64 {
	if native != nil {
		return *native
	}
	if legacy != nil {
		return *legacy
	}
	return 0
}

func firstStrings(native, legacy []string) []string {
	if len(native) > 0 {
		return native
	}
	return legacy
}

// Normalize converts a raw manifest policy document into the engine-native
// domain.PolicyConfig, resolving every legacy alias and preferring the
// engine-native field whenever both are present.
func Normalize(raw rawPolicy) domain.PolicyConfig {
	requireCap := false
	if raw.RequireCapabilityToken != nil {
		requireCap = *raw.RequireCapabilityToken
	}

	counterparty := domain.CounterpartyRules{
		Allowlist: raw.CounterpartyAllowlist,
		Denylist:  raw.CounterpartyDenylist,
	}
	if raw.Counterparty != nil {
		counterparty = domain.CounterpartyRules{
			Allowlist: firstStrings(raw.Counterparty.Allowlist, raw.CounterpartyAllowlist),
			Denylist:  firstStrings(raw.Counterparty.Denylist, raw.CounterpartyDenylist),
		}
	}

	nestedMax, nestedEscalate, nestedParamPaths, nestedCurrencyField := raw.AmountCaps.resolve()
	maxAmount := firstFloat(raw.MaxAmount, raw.AmountCap)
	if maxAmount == 0 {
		maxAmount = nestedMax
	}
	escalateAbove := firstFloat(raw.EscalateAbove, nil)
	if escalateAbove == 0 {
		escalateAbove = nestedEscalate
	}

	return domain.PolicyConfig{
		AllowedActionTypes:   raw.AllowedActionTypes,
		AllowedTools:         firstStrings(raw.AllowedTools, raw.ToolAllowlist),
		DeniedTools:          firstStrings(raw.DeniedTools, raw.ToolDenylist),
		AllowedJurisdictions: firstStrings(raw.AllowedJurisdictions, raw.JurisdictionAllowlist),
		Counterparty:         counterparty,
		AmountCaps: domain.AmountCaps{
			MaxAmount:     maxAmount,
			EscalateAbove: escalateAbove,
			ParamPaths:    nestedParamPaths,
			CurrencyField: nestedCurrencyField,
		},
		ApprovalThresholds: domain.ApprovalThresholds{
			Amount:      firstFloat(raw.ApprovalThresholdAmount, raw.RequireApprovalAbove),
			ActionTypes: raw.ApprovalRequiredActionTypes,
			Tools:       raw.ApprovalRequiredTools,
		},
		Budgets: domain.BudgetConfig{
			DailyCap: firstInt64(raw.DailyBudget, raw.DailyActionCap),
		},
		RequireCapabilityToken: requireCap,
		Tools:                  raw.Tools,
	}
}
