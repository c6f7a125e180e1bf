package telemetry

import "go.opentelemetry.io/otel/attribute"

const (
	AttrExchange = attribute.Key("exchange")
	// AttrMethod is the exchange REST method name, e.g. TradesHistory.
	AttrMethod = attribute.Key("method")
	// AttrOutcome is the classified call outcome, e.g. ok, rate_limited.
	AttrOutcome = attribute.Key("outcome")
	AttrKind    = attribute.Key("kind")
	AttrResult  = attribute.Key("result")
	AttrAction  = attribute.Key("action")
)

// MeterName scopes every instrument the connector registers.
const MeterName = "kraken-manager"
