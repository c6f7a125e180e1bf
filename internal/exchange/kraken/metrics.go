package kraken

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"kraken-manager/internal/telemetry"
)

type clientMetrics struct {
	requests metric.Int64Counter
}

func newClientMetrics(meter metric.Meter) *clientMetrics {
	if meter == nil {
		meter = telemetry.Meter()
	}
	m := &clientMetrics{}
	m.requests, _ = meter.Int64Counter("kraken_requests_total",
		metric.WithDescription("Kraken REST attempts by method and classified outcome"),
		metric.WithUnit("{request}"))
	return m
}

func (m *clientMetrics) request(ctx context.Context, method string, outcome Outcome) {
	if m == nil || m.requests == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrExchange.String(ExchangeName),
		telemetry.AttrMethod.String(method),
		telemetry.AttrOutcome.String(string(outcome)),
	))
}
