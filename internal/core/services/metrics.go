package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/manthysbr/codesense/internal/core/domain"
)

const instrumentationName = "github.com/manthysbr/codesense/internal/core/services"

// jobMetrics groups the instruments recorded by the orchestrator and runner.
// Instruments come from the global MeterProvider; without one they are no-ops.
type jobMetrics struct {
	admitted metric.Int64Counter
	rejected metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Registration

	closeOnce sync.Once
	closeErr  error
}

func newJobMetrics(admission *AdmissionController) (*jobMetrics, error) {
	meter := otel.Meter(instrumentationName)

	admitted, err := meter.Int64Counter("codesense.jobs.admitted",
		metric.WithDescription("Jobs accepted by admission control"))
	if err != nil {
		return nil, fmt.Errorf("failed to create admitted counter: %w", err)
	}
	rejected, err := meter.Int64Counter("codesense.jobs.rejected",
		metric.WithDescription("Submissions refused because capacity was reached"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}
	finished, err := meter.Int64Counter("codesense.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}
	duration, err := meter.Float64Histogram("codesense.job.duration",
		metric.WithDescription("Wall time from admission to terminal status"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	gauge, err := meter.Int64ObservableGauge("codesense.jobs.active",
		metric.WithDescription("Jobs currently holding an admission slot"))
	if err != nil {
		return nil, fmt.Errorf("failed to create active gauge: %w", err)
	}
	// Gauge is read when scraped.
	active, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(admission.Live()))
		return nil
	}, gauge)
	if err != nil {
		return nil, fmt.Errorf("failed to register active gauge: %w", err)
	}

	return &jobMetrics{
		admitted: admitted,
		rejected: rejected,
		finished: finished,
		duration: duration,
		active:   active,
	}, nil
}

// close stops reporting the active gauge. Safe to call more than once.
func (m *jobMetrics) close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.active.Unregister()
	})
	return m.closeErr
}

func (m *jobMetrics) recordFinished(ctx context.Context, status domain.JobStatus, admittedAt time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(admittedAt).Seconds(), attrs)
}
