package lockset

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	acquireDuration metric.Float64Histogram
	entries         metric.Int64ObservableGauge
}

func newMetrics(logger pslog.Logger, svc *Service) *metrics {
	meter := otel.Meter("pkt.systems/rtnode/lockset")
	m := &metrics{}
	var err error

	m.acquireDuration, err = meter.Float64Histogram(
		"rtnode.lockset.acquire.duration_ms",
		metric.WithDescription("Time spent acquiring a monitor"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rtnode.lockset.acquire.duration_ms", err)

	m.entries, err = meter.Int64ObservableGauge(
		"rtnode.lockset.registry.entries",
		metric.WithDescription("Live lock registry entries"),
	)
	logMetricInitError(logger, "rtnode.lockset.registry.entries", err)

	if m.entries != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.entries, int64(svc.Len()))
			return nil
		}, m.entries); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "rtnode.lockset.registry.entries", "error", err)
		}
	}
	return m
}

func (m *metrics) recordAcquire(ctx context.Context, keyspace string, mode Mode, d time.Duration) {
	if m == nil || m.acquireDuration == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.acquireDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("rtnode.lockset.keyspace", keyspace),
		attribute.String("rtnode.lockset.mode", mode.String()),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
