// webhook.go implements the webhook tool connector variant: same SSRF
// gating and streaming cap as the generic HTTP connector, plus a BLAKE3
// fingerprint of the response body (fast, non-cryptographic — unlike the
// audit/action hash, which stays pure SHA-256) so the delivery
// log can dedupe retried deliveries, and OTel delivery counters grounded
// on the teacher's webhook worker/queue metrics.
package connector

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"lukechampine.com/blake3"

	"policygateway/internal/domain"
)

// WebhookConnector delivers an action as a webhook POST, reusing the HTTP
// connector's transport and SSRF validation but recording delivery metrics
// distinct from the generic tool-call counters.
type WebhookConnector struct {
	http *HTTPConnector

	meterOnce sync.Once
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// NewWebhookConnector builds a WebhookConnector.
func NewWebhookConnector(timeout time.Duration, allowedDomains []string) *WebhookConnector {
	return &WebhookConnector{http: NewHTTPConnector(timeout, allowedDomains)}
}

func (c *WebhookConnector) initMeter() {
	c.meterOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("policygateway/connector/webhook")
		delivered, err := meter.Int64Counter("webhook_delivered_total")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("policygateway/connector/webhook")
			delivered, _ = fallback.Int64Counter("webhook_delivered_total")
		}
		failed, err := meter.Int64Counter("webhook_failed_total")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("policygateway/connector/webhook")
			failed, _ = fallback.Int64Counter("webhook_failed_total")
		}
		c.delivered = delivered
		c.failed = failed
	})
}

// Execute delivers action to the webhook described by cfg. When the
// result's Data carries a raw_body (a non-2xx reply or a body that is not
// a JSON object), a BLAKE3 fingerprint of that body is added as
// fingerprint_blake3; a successfully decoded JSON reply gets no
// fingerprint.
func (c *WebhookConnector) Execute(ctx context.Context, cfg domain.ToolConfig, action domain.Action) (domain.ConnectorResult, error) {
	c.initMeter()

	result, err := c.http.Execute(ctx, cfg, action)
	if err != nil {
		return result, err
	}

	if result.Success {
		c.delivered.Add(ctx, 1)
	} else {
		c.failed.Add(ctx, 1)
	}

	if raw, ok := result.Data["raw_body"].(string); ok {
		sum := blake3.Sum256([]byte(raw))
		if result.Data == nil {
			result.Data = map[string]any{}
		}
		result.Data["fingerprint_blake3"] = hex.EncodeToString(sum[:])
	}
	return result, nil
}
