package wire

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type metrics struct {
	requests     metric.Int64Counter
	asyncDropped metric.Int64Counter
	writeFailed  metric.Int64Counter
	connections  metric.Int64UpDownCounter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/rtnode/wire")
	m := &metrics{}
	var err error
	if m.requests, err = meter.Int64Counter("rtnode.wire.requests",
		metric.WithDescription("Requests handled by the remote dispatcher")); err != nil {
		logMetricInitError(logger, "rtnode.wire.requests", err)
	}
	if m.asyncDropped, err = meter.Int64Counter("rtnode.wire.async.dropped",
		metric.WithDescription("Answers suppressed because their slot was closed or already answered")); err != nil {
		logMetricInitError(logger, "rtnode.wire.async.dropped", err)
	}
	if m.writeFailed, err = meter.Int64Counter("rtnode.wire.write.failed",
		metric.WithDescription("Response writes that failed and closed the connection")); err != nil {
		logMetricInitError(logger, "rtnode.wire.write.failed", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("rtnode.wire.connections",
		metric.WithDescription("Open server connections")); err != nil {
		logMetricInitError(logger, "rtnode.wire.connections", err)
	}
	return m
}

func (m *metrics) request(ctx context.Context, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("rtnode.outcome", outcome)))
}

func (m *metrics) dropped(ctx context.Context, reason string) {
	if m == nil || m.asyncDropped == nil {
		return
	}
	m.asyncDropped.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("rtnode.reason", reason)))
}

func (m *metrics) writeFailure(ctx context.Context) {
	if m == nil || m.writeFailed == nil {
		return
	}
	m.writeFailed.Add(metricContext(ctx), 1)
}

func (m *metrics) connection(ctx context.Context, delta int64) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(metricContext(ctx), delta)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
