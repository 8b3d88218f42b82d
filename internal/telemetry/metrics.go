// Package telemetry wires OpenTelemetry tracing and the correlator's
// metric instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

// Instruments holds the engine's metric instruments.
type Instruments struct {
	emitted  metric.Int64Counter
	timedOut metric.Int64Counter
	duration metric.Float64Histogram
	dropped  metric.Int64Counter
}

// NewInstruments creates the instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	in.emitted, err = meter.Int64Counter("rum.interactions.emitted",
		metric.WithDescription("Interaction records emitted"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	in.timedOut, err = meter.Int64Counter("rum.interactions.timed_out",
		metric.WithDescription("Interaction records finalized by their deadline"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	in.duration, err = meter.Float64Histogram("rum.interaction.duration",
		metric.WithDescription("Interaction duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000),
	)
	if err != nil {
		return nil, err
	}
	in.dropped, err = meter.Int64Counter("rum.signals.dropped",
		metric.WithDescription("Signals that matched no in-flight interaction"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ForTenant returns a correlator.Metrics recording under tenantID.
func (in *Instruments) ForTenant(tenantID string) correlator.Metrics {
	return tenantMetrics{in: in, tenant: attribute.String("tenant_id", tenantID)}
}

type tenantMetrics struct {
	in     *Instruments
	tenant attribute.KeyValue
}

func (m tenantMetrics) Emitted(r correlator.Record) {
	ctx := context.Background()
	attrs := metric.WithAttributes(m.tenant, attribute.String("type", string(r.Type)))
	m.in.emitted.Add(ctx, 1, attrs)
	if r.TimedOut {
		m.in.timedOut.Add(ctx, 1, attrs)
	}
	m.in.duration.Record(ctx, float64(r.DurationMS), attrs)
}

func (m tenantMetrics) Dropped(signal string) {
	m.in.dropped.Add(context.Background(), 1,
		metric.WithAttributes(m.tenant, attribute.String("signal", signal)))
}
