package observability

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsNonAllowlistedKeys(t *testing.T) {
	attr := MaskField("api_key", "sk_live_abc")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("service", "policygatewayd")
	require.Equal(t, "policygatewayd", attr.Value.String())
}

func TestIsAllowlistedCaseInsensitive(t *testing.T) {
	require.True(t, IsAllowlisted("SERVICE"))
	require.False(t, IsAllowlisted("secret_value"))
}

func TestGatewayMetricsRecordDecisionDoesNotPanic(t *testing.T) {
	m := Gateway()
	require.NotNil(t, m)
	m.RecordDecision("ALLOW", 10*time.Millisecond)
	m.RecordConnectorCall("webhook", "success", 5*time.Millisecond)
	m.RecordApprovalEvent("created")
	m.RecordBudgetDenial("org1")
}

func TestSetupReturnsLogger(t *testing.T) {
	logger := Setup("policygatewayd", "development")
	require.NotNil(t, logger)
}

func TestSetupWritesToLogFileWhenConfigured(t *testing.T) {
	path := t.TempDir() + "/gateway.log"
	logger := Setup("policygatewayd", "development", path)
	require.NotNil(t, logger)
	logger.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}
