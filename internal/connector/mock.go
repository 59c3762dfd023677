package connector

import (
	"context"
	"time"

	"policygateway/internal/domain"
)

// MockConnector returns the ToolConfig's pre-baked MockResult without any
// network access. It exists for manifest authors to wire up test/demo
// tools and for the gateway's own test suite.
type MockConnector struct{}

// NewMockConnector constructs a MockConnector.
func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

// Execute returns cfg.MockResult as a successful ConnectorResult.
func (c *MockConnector) Execute(_ context.Context, cfg domain.ToolConfig, _ domain.Action) (domain.ConnectorResult, error) {
	start := time.Now()
	return domain.ConnectorResult{
		Success:    true,
		Data:       cfg.MockResult,
		StatusCode: 200,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
