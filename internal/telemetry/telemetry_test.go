package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.Nil(t, tel.LoggerProvider())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("goatfield").Start(ctx, "field.reflect")
	span.SetAttributes(attribute.Int("proposals", 2))
	span.End()

	counter, err := tt.Meter("goatfield").Int64Counter("goatfield.observations.total")
	require.NoError(t, err)
	counter.Add(ctx, 3)
	counter.Add(ctx, 2, metricAttr("outcome", "error"))

	hist, err := tt.Meter("goatfield").Float64Histogram("goatfield.compaction.duration")
	require.NoError(t, err)
	hist.Record(ctx, 0.5)

	tt.AssertSpanExists(t, "field.reflect")
	tt.AssertSpanAttribute(t, "field.reflect", "proposals", int64(2))

	total, ok := tt.Int64Sum(t, "goatfield.observations.total")
	require.True(t, ok)
	assert.Equal(t, int64(5), total)
	assert.Equal(t, uint64(1), tt.HistogramCount(t, "goatfield.compaction.duration"))

	_, ok = tt.Int64Sum(t, "missing")
	assert.False(t, ok)
	assert.True(t, tt.IsEnabled())
	require.NoError(t, tt.Shutdown(ctx))
	assert.False(t, tt.IsEnabled())
}

func metricAttr(k, v string) metric.AddOption {
	return metric.WithAttributes(attribute.String(k, v))
}
