package field

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// InstrumentationName names the tracer and meter of this package.
const InstrumentationName = "github.com/fyrsmithlabs/goatfield/internal/field"

// Metrics holds the service's OpenTelemetry instruments. A failed
// instrument is left nil and skipped.
type Metrics struct {
	observations       metric.Int64Counter
	proposalsSubmitted metric.Int64Counter
	decisions          metric.Int64Counter
	archived           metric.Int64Counter
	compactionDuration metric.Float64Histogram
}

// NewMetrics creates instruments on meter, or on the global meter provider
// when meter is nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{}
	var err error

	m.observations, err = meter.Int64Counter(
		"goatfield.observations.total",
		metric.WithDescription("Observations appended to the journal, by operation type and outcome"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		logger.Warn("failed to create observations counter", zap.Error(err))
	}

	m.proposalsSubmitted, err = meter.Int64Counter(
		"goatfield.proposals.submitted.total",
		metric.WithDescription("Improvement proposals submitted for review, by pattern type"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		logger.Warn("failed to create proposals counter", zap.Error(err))
	}

	m.decisions, err = meter.Int64Counter(
		"goatfield.decisions.total",
		metric.WithDescription("Review decisions recorded, by status"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create decisions counter", zap.Error(err))
	}

	m.archived, err = meter.Int64Counter(
		"goatfield.clutter.archived.total",
		metric.WithDescription("Observation nodes archived out of the live graph"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		logger.Warn("failed to create archived counter", zap.Error(err))
	}

	m.compactionDuration, err = meter.Float64Histogram(
		"goatfield.compaction.duration.seconds",
		metric.WithDescription("Duration of graph compaction passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120),
	)
	if err != nil {
		logger.Warn("failed to create compaction histogram", zap.Error(err))
	}

	return m
}

func (m *Metrics) recordObservation(ctx context.Context, obs journal.Observation) {
	if m == nil || m.observations == nil {
		return
	}
	m.observations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation_type", obs.OperationType),
		attribute.String("outcome", string(obs.Outcome)),
	))
}

func (m *Metrics) recordSubmitted(ctx context.Context, patternType string) {
	if m == nil || m.proposalsSubmitted == nil {
		return
	}
	m.proposalsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern_type", patternType)))
}

func (m *Metrics) recordDecision(ctx context.Context, status review.Status) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *Metrics) recordCompaction(ctx context.Context, seconds float64, archived int) {
	if m == nil {
		return
	}
	if m.compactionDuration != nil {
		m.compactionDuration.Record(ctx, seconds)
	}
	if m.archived != nil && archived > 0 {
		m.archived.Add(ctx, int64(archived))
	}
}
