// Package connector implements the tool connector layer (C4): the
// boundary across which the gateway actually invokes an external tool on
// an agent's behalf. Connectors never propagate an error across this
// boundary as a Go error from Execute — failures are folded into
// domain.ConnectorResult so that callers (C9) always get a well-formed
// result to persist in the audit trail, mirroring the "no throw past
// the dispatch boundary" shape of the teacher's HSM signing client.
package connector

import (
	"context"
	"time"

	"policygateway/internal/domain"
)

// ToolConnector dispatches one resolved action to a concrete tool backend.
type ToolConnector interface {
	// Execute runs action against the tool described by cfg and returns a
	// ConnectorResult. It never returns a non-nil error for ordinary tool
	// failures (HTTP 5xx, timeout, non-2xx) — those land in the result's
	// ErrorCode/ErrorMessage. A non-nil error return is reserved for
	// programmer errors (e.g. an unrecognized connector Type), which
	// should not occur once manifests are validated.
	Execute(ctx context.Context, cfg domain.ToolConfig, action domain.Action) (domain.ConnectorResult, error)
}

// Registry resolves a domain.ConnectorType to its ToolConnector implementation.
type Registry struct {
	connectors map[domain.ConnectorType]ToolConnector
}

// NewRegistry builds a Registry with the three built-in connector kinds.
func NewRegistry(httpTimeout time.Duration, allowedDomains []string) *Registry {
	return &Registry{
		connectors: map[domain.ConnectorType]ToolConnector{
			domain.ConnectorMock:    NewMockConnector(),
			domain.ConnectorHTTP:    NewHTTPConnector(httpTimeout, allowedDomains),
			domain.ConnectorWebhook: NewWebhookConnector(httpTimeout, allowedDomains),
		},
	}
}

// Resolve returns the connector for typ, or (nil, false) if unknown.
func (r *Registry) Resolve(typ domain.ConnectorType) (ToolConnector, bool) {
	c, ok := r.connectors[typ]
	return c, ok
}
