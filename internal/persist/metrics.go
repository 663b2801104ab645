package persist

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	commits        metric.Int64Counter
	commitDuration metric.Float64Histogram
	cleanupFailed  metric.Int64Counter
	archived       metric.Int64Counter
	recovered      metric.Int64Counter
	quarantined    metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/rtnode/persist")
	m := &metrics{}
	var err error

	m.commits, err = meter.Int64Counter(
		"rtnode.journal.commits",
		metric.WithDescription("Committed transactions"),
	)
	logMetricInitError(logger, "rtnode.journal.commits", err)

	m.commitDuration, err = meter.Float64Histogram(
		"rtnode.journal.commit.duration_ms",
		metric.WithDescription("Time from revision allocation to commit"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rtnode.journal.commit.duration_ms", err)

	m.cleanupFailed, err = meter.Int64Counter(
		"rtnode.journal.cleanup.failed",
		metric.WithDescription("Cleanup segments that did not complete"),
	)
	logMetricInitError(logger, "rtnode.journal.cleanup.failed", err)

	m.archived, err = meter.Int64Counter(
		"rtnode.persist.archived",
		metric.WithDescription("Revision blobs handed to the archive before reclaim"),
	)
	logMetricInitError(logger, "rtnode.persist.archived", err)

	m.recovered, err = meter.Int64Counter(
		"rtnode.journal.recovered",
		metric.WithDescription("Programs replayed during recovery"),
	)
	logMetricInitError(logger, "rtnode.journal.recovered", err)

	m.quarantined, err = meter.Int64Counter(
		"rtnode.journal.quarantined",
		metric.WithDescription("Journal slots moved to quarantine"),
	)
	logMetricInitError(logger, "rtnode.journal.quarantined", err)
	return m
}

func (m *metrics) recordCommit(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.commits != nil {
		m.commits.Add(ctx, 1)
	}
	if m.commitDuration != nil {
		m.commitDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	}
}

func (m *metrics) recordCleanupFailure(ctx context.Context) {
	if m == nil || m.cleanupFailed == nil {
		return
	}
	m.cleanupFailed.Add(metricContext(ctx), 1)
}

func (m *metrics) recordArchived(ctx context.Context) {
	if m == nil || m.archived == nil {
		return
	}
	m.archived.Add(metricContext(ctx), 1)
}

func (m *metrics) recordRecovered(ctx context.Context) {
	if m == nil || m.recovered == nil {
		return
	}
	m.recovered.Add(metricContext(ctx), 1)
}

func (m *metrics) recordQuarantined(ctx context.Context) {
	if m == nil || m.quarantined == nil {
		return
	}
	m.quarantined.Add(metricContext(ctx), 1)
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
