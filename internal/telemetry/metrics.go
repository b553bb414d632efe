// Package telemetry exposes the engine's OpenTelemetry instruments.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pocketsettle"

// Metrics groups the counters and histograms recorded by the engine. A nil
// *Metrics records nothing.
type Metrics struct {
	claims           metric.Int64Counter
	dispatchAttempts metric.Int64Counter
	failovers        metric.Int64Counter
	probeDuration    metric.Float64Histogram
	claimDuration    metric.Float64Histogram
}

// NewMetrics registers instruments on meter, or on the global meter provider
// when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error

	m.claims, err = meter.Int64Counter("pocketsettle.claims.total",
		metric.WithDescription("Claim attempts by outcome"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, err
	}
	m.dispatchAttempts, err = meter.Int64Counter("pocketsettle.dispatch.attempts",
		metric.WithDescription("Transfer submissions by ledger and result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	m.failovers, err = meter.Int64Counter("pocketsettle.dispatch.failovers",
		metric.WithDescription("Ledgers abandoned after exhausting retries"),
		metric.WithUnit("{failover}"),
	)
	if err != nil {
		return nil, err
	}
	m.probeDuration, err = meter.Float64Histogram("pocketsettle.probe.duration",
		metric.WithDescription("Ledger health probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.claimDuration, err = meter.Float64Histogram("pocketsettle.claim.duration",
		metric.WithDescription("End-to-end claim duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordClaim(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.claims.Add(ctx, 1, attrs)
	m.claimDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordDispatchAttempt(ctx context.Context, ledgerID string, ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.dispatchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ledger", ledgerID),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordFailover(ctx context.Context, ledgerID string) {
	if m == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(attribute.String("ledger", ledgerID)))
}

func (m *Metrics) RecordProbe(ctx context.Context, ledgerID string, healthy bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.probeDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("ledger", ledgerID),
		attribute.Bool("healthy", healthy),
	))
}
