package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"policygateway/internal/domain"
)

func TestMockConnectorReturnsConfiguredResult(t *testing.T) {
	c := NewMockConnector()
	cfg := domain.ToolConfig{MockResult: map[string]any{"ok": true}}
	result, err := c.Execute(context.Background(), cfg, domain.Action{Type: "t", Tool: "mock"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, map[string]any{"ok": true}, result.Data)
}
