package observability

import (
	"sync"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var meterProviderOnce sync.Once

// InitMeterProvider installs a real OpenTelemetry MeterProvider as the
// global provider, the same way the teacher's observability/otel.Init
// calls otel.SetMeterProvider after building its SDK provider. No reader
// is attached here: this deployment has no OTLP collector endpoint
// configured, so instruments record in-process only; callers that want
// the counters exported still create them through otel.GetMeterProvider()
// the same way they would against a fully wired provider, so adding a
// reader later needs no call-site changes.
func InitMeterProvider() {
	meterProviderOnce.Do(func() {
		otel.SetMeterProvider(sdkmetric.NewMeterProvider())
	})
}
