package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecordThroughReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordClaim(ctx, "settled", 120*time.Millisecond)
	m.RecordDispatchAttempt(ctx, "bsc", false)
	m.RecordDispatchAttempt(ctx, "base", true)
	m.RecordFailover(ctx, "bsc")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		names[metric.Name] = true
	}
	assert.True(t, names["pocketsettle.claims.total"])
	assert.True(t, names["pocketsettle.dispatch.attempts"])
	assert.True(t, names["pocketsettle.dispatch.failovers"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordClaim(ctx, "rejected", time.Second)
	m.RecordDispatchAttempt(ctx, "bsc", true)
	m.RecordFailover(ctx, "bsc")
	m.RecordProbe(ctx, "bsc", true, time.Second)
}
