package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// NodeMetrics carries the instruments recorded during lifecycle transitions
// and order flow. All record methods are safe on a nil receiver so callers
// without telemetry skip instrumentation transparently.
type NodeMetrics struct {
	nodeID      string
	transitions metric.Int64Counter
	connectMs   metric.Float64Histogram
	orders      metric.Int64Counter
	submitMs    metric.Float64Histogram
}

// NewNodeMetrics builds the node instrument set on the given meter.
func NewNodeMetrics(meter metric.Meter, nodeID string) (*NodeMetrics, error) {
	transitions, err := meter.Int64Counter("flotilla.node.transitions",
		metric.WithDescription("Node lifecycle transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, fmt.Errorf("transitions counter: %w", err)
	}
	connectMs, err := meter.Float64Histogram("flotilla.node.connect.duration",
		metric.WithDescription("Node connect duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("connect histogram: %w", err)
	}
	orders, err := meter.Int64Counter("flotilla.orders.submitted",
		metric.WithDescription("Orders submitted through the execution client"),
		metric.WithUnit("{order}"))
	if err != nil {
		return nil, fmt.Errorf("orders counter: %w", err)
	}
	submitMs, err := meter.Float64Histogram("flotilla.order.submit.duration",
		metric.WithDescription("Order submit duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("submit histogram: %w", err)
	}
	return &NodeMetrics{
		nodeID:      nodeID,
		transitions: transitions,
		connectMs:   connectMs,
		orders:      orders,
		submitMs:    submitMs,
	}, nil
}

// RecordTransition counts one lifecycle state change.
func (m *NodeMetrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		TransitionAttributes(Environment(), m.nodeID, from, to)...))
}

// RecordConnect measures one connect attempt.
func (m *NodeMetrics) RecordConnect(ctx context.Context, elapsed time.Duration, result string) {
	if m == nil {
		return
	}
	m.connectMs.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(ConnectAttributes(Environment(), m.nodeID, result)...))
}

// RecordOrderSubmitted counts and times one submitted order.
func (m *NodeMetrics) RecordOrderSubmitted(ctx context.Context, venue, symbol, side string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(OrderAttributes(Environment(), venue, symbol, side)...)
	m.orders.Add(ctx, 1, attrs)
	m.submitMs.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
