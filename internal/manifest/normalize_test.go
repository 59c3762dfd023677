package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeLegacyAliasesFillGaps(t *testing.T) {
	amountCap := 500.0
	dailyCap := int64(10)
	raw := rawPolicy{
		ToolAllowlist:   []string{"bank"},
		AmountCap:       &amountCap,
		DailyActionCap:  &dailyCap,
	}
	cfg := Normalize(raw)
	require.Equal(t, []string{"bank"}, cfg.AllowedTools)
	require.Equal(t, 500.0, cfg.AmountCaps.MaxAmount)
	require.Equal(t, int64(10), cfg.Budgets.DailyCap)
}

func TestNormalizeEngineNativeWinsOnConflict(t *testing.T) {
	nativeAmount := 100.0
	legacyAmount := 999.0
	raw := rawPolicy{
		AllowedTools: []string{"native-tool"},
		ToolAllowlist: []string{"legacy-tool"},
		MaxAmount:     &nativeAmount,
		AmountCap:     &legacyAmount,
	}
	cfg := Normalize(raw)
	require.Equal(t, []string{"native-tool"}, cfg.AllowedTools)
	require.Equal(t, 100.0, cfg.AmountCaps.MaxAmount)
}

func TestNormalizeLegacyCurrencyKeyedAmountCaps(t *testing.T) {
	var raw rawPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"amount_caps":{"USD":500,"EUR":400}}`), &raw))

	cfg := Normalize(raw)
	require.Equal(t, 500.0, cfg.AmountCaps.MaxAmount)
	require.Equal(t, []string{"amount", "value", "total"}, cfg.AmountCaps.ParamPaths)
	require.Equal(t, "currency", cfg.AmountCaps.CurrencyField)
}

func TestNormalizeEngineNativeNestedAmountCapsObject(t *testing.T) {
	var raw rawPolicy
	require.NoError(t, json.Unmarshal([]byte(`{
		"amount_caps": {
			"max_amount": 1000,
			"escalate_above": 750,
			"param_paths": ["amount", "payload.total"],
			"currency_field": "ccy"
		}
	}`), &raw))

	cfg := Normalize(raw)
	require.Equal(t, 1000.0, cfg.AmountCaps.MaxAmount)
	require.Equal(t, 750.0, cfg.AmountCaps.EscalateAbove)
	require.Equal(t, []string{"amount", "payload.total"}, cfg.AmountCaps.ParamPaths)
	require.Equal(t, "ccy", cfg.AmountCaps.CurrencyField)
}

func TestNormalizeNestedCounterpartyObjectWinsOverFlatAliases(t *testing.T) {
	var raw rawPolicy
	require.NoError(t, json.Unmarshal([]byte(`{
		"counterparty_allowlist": ["legacy.example"],
		"counterparty": {"allowlist": ["native.example"], "denylist": ["blocked.example"]}
	}`), &raw))

	cfg := Normalize(raw)
	require.Equal(t, []string{"native.example"}, cfg.Counterparty.Allowlist)
	require.Equal(t, []string{"blocked.example"}, cfg.Counterparty.Denylist)
}

func TestNormalizeFlatCounterpartyAliasUsedWhenNoNestedObject(t *testing.T) {
	var raw rawPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"counterparty_allowlist":["legacy.example"]}`), &raw))

	cfg := Normalize(raw)
	require.Equal(t, []string{"legacy.example"}, cfg.Counterparty.Allowlist)
}

func TestNormalizeToolConfigSnakeCaseFieldsRoundTrip(t *testing.T) {
	var raw rawPolicy
	require.NoError(t, json.Unmarshal([]byte(`{
		"tools": {
			"send_email": {
				"type": "http",
				"url": "https://hooks.example.com/{mailbox}",
				"method": "POST",
				"allowed_domains": ["hooks.example.com"],
				"timeout_ms": 2500,
				"max_response_bytes": 4096,
				"secret_refs": ["smtp-creds"]
			}
		}
	}`), &raw))

	cfg := Normalize(raw)
	tool, ok := cfg.Tools["send_email"]
	require.True(t, ok)
	require.Equal(t, []string{"hooks.example.com"}, tool.AllowedDomains)
	require.Equal(t, 2500, tool.TimeoutMS)
	require.Equal(t, int64(4096), tool.MaxResponseBytes)
	require.Equal(t, []string{"smtp-creds"}, tool.SecretRefs)
}
