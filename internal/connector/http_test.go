package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"policygateway/internal/domain"
)

func TestHTTPConnectorRejectsDisallowedDomain(t *testing.T) {
	c := NewHTTPConnector(2*time.Second, nil)
	cfg := domain.ToolConfig{
		URL:            "https://not-on-the-list.test/webhook",
		Method:         "POST",
		AllowedDomains: []string{"api.stripe.com"},
	}
	result, err := c.Execute(context.Background(), cfg, domain.Action{Type: "payment", Tool: "charge"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "DOMAIN_NOT_ALLOWED", result.ErrorCode)
}

func TestHTTPConnectorRejectsLoopbackTarget(t *testing.T) {
	c := NewHTTPConnector(2*time.Second, nil)
	cfg := domain.ToolConfig{
		URL:            "http://127.0.0.1:9/webhook",
		Method:         "POST",
		AllowedDomains: []string{"127.0.0.1"},
	}
	result, err := c.Execute(context.Background(), cfg, domain.Action{Type: "payment", Tool: "charge"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "SSRF_BLOCKED", result.ErrorCode)
}

func TestFillURLPlaceholdersSubstitutesAndConsumesMatchedKeys(t *testing.T) {
	params := map[string]any{"mailbox": "ops-team", "amount": 42.5}
	filled, remaining := fillURLPlaceholders("https://api.example.com/mailboxes/{mailbox}/send", params)
	require.Equal(t, "https://api.example.com/mailboxes/ops-team/send", filled)
	require.Equal(t, map[string]any{"amount": 42.5}, remaining)
}

func TestFillURLPlaceholdersEscapesSubstitutedValue(t *testing.T) {
	params := map[string]any{"path": "a/b c"}
	filled, remaining := fillURLPlaceholders("https://api.example.com/files/{path}", params)
	require.Equal(t, "https://api.example.com/files/a%2Fb%20c", filled)
	require.Empty(t, remaining)
}

func TestFillURLPlaceholdersLeavesUnmatchedTokenUntouched(t *testing.T) {
	params := map[string]any{"other": "x"}
	filled, remaining := fillURLPlaceholders("https://api.example.com/{mailbox}", params)
	require.Equal(t, "https://api.example.com/{mailbox}", filled)
	require.Equal(t, params, remaining)
}

func TestFillURLPlaceholdersNoOpWithoutTemplateTokens(t *testing.T) {
	params := map[string]any{"to": "user@example.com"}
	filled, remaining := fillURLPlaceholders("https://api.example.com/send", params)
	require.Equal(t, "https://api.example.com/send", filled)
	require.Equal(t, params, remaining)
}

func TestHTTPConnectorValidatesSubstitutedURLNotTemplate(t *testing.T) {
	c := NewHTTPConnector(2*time.Second, []string{"api.stripe.com"})
	cfg := domain.ToolConfig{
		URL:    "https://{host}/charge",
		Method: "POST",
	}
	result, err := c.Execute(context.Background(), cfg, domain.Action{
		Type: "payment", Tool: "charge",
		Params: map[string]any{"host": "not-on-the-list.test"},
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "DOMAIN_NOT_ALLOWED", result.ErrorCode)
}
