package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for node telemetry. Names follow the
// OpenTelemetry convention of namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrNodeID identifies the emitting node instance.
	AttrNodeID = attribute.Key("node.id")
	// AttrFromState labels lifecycle metrics with the state being left.
	AttrFromState = attribute.Key("node.state.from")
	// AttrToState labels lifecycle metrics with the state being entered.
	AttrToState = attribute.Key("node.state.to")
	// AttrVenue identifies the venue an order or subscription targets.
	AttrVenue = attribute.Key("venue")
	// AttrSymbol captures the tradable instrument symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
)

// TransitionAttributes returns attributes for lifecycle transition metrics.
func TransitionAttributes(environment, nodeID, from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrNodeID.String(nodeID),
		AttrFromState.String(from),
		AttrToState.String(to),
	}
}

// OrderAttributes returns attributes for order flow metrics.
func OrderAttributes(environment, venue, symbol, side string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	return attrs
}

// ConnectAttributes returns attributes for connect duration metrics.
func ConnectAttributes(environment, nodeID, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrNodeID.String(nodeID),
		AttrResult.String(result),
	}
}
