package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/angariumd/gridq/internal/models"
)

// StateSource is read on every scrape.
type StateSource interface {
	QueueStats() models.QueueStats
	WorkerCounts() (alive, total int)
}

// SchedulerMetrics holds the controller's instruments. A nil
// *SchedulerMetrics records nothing.
type SchedulerMetrics struct {
	submitted      metric.Int64Counter
	rejected       metric.Int64Counter
	finished       metric.Int64Counter
	requeued       metric.Int64Counter
	protocolErrors metric.Int64Counter
	execTime       metric.Float64Histogram
}

func NewSchedulerMetrics(meter metric.Meter, src StateSource) (*SchedulerMetrics, error) {
	var (
		m   SchedulerMetrics
		err error
	)
	if m.submitted, err = meter.Int64Counter("gridq.jobs.submitted",
		metric.WithDescription("Jobs accepted into the queue")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("gridq.jobs.rejected",
		metric.WithDescription("Submissions refused, by error code")); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("gridq.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.requeued, err = meter.Int64Counter("gridq.jobs.requeued",
		metric.WithDescription("Jobs returned to the queue after their worker was lost")); err != nil {
		return nil, err
	}
	if m.protocolErrors, err = meter.Int64Counter("gridq.protocol.errors",
		metric.WithDescription("Connections closed because of a malformed or unexpected frame")); err != nil {
		return nil, err
	}
	if m.execTime, err = meter.Float64Histogram("gridq.job.exec_time",
		metric.WithDescription("Execution time reported by workers"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	pending, err := meter.Int64ObservableGauge("gridq.queue.pending",
		metric.WithDescription("Jobs waiting for a worker"))
	if err != nil {
		return nil, err
	}
	running, err := meter.Int64ObservableGauge("gridq.queue.running",
		metric.WithDescription("Jobs handed to a worker and not yet finished"))
	if err != nil {
		return nil, err
	}
	alive, err := meter.Int64ObservableGauge("gridq.workers.alive",
		metric.WithDescription("Workers currently considered alive"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.QueueStats()
		o.ObserveInt64(pending, int64(st.Pending))
		o.ObserveInt64(running, int64(st.Running))
		n, _ := src.WorkerCounts()
		o.ObserveInt64(alive, int64(n))
		return nil
	}, pending, running, alive)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *SchedulerMetrics) JobSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1)
}

func (m *SchedulerMetrics) JobRejected(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *SchedulerMetrics) JobFinished(ctx context.Context, status models.JobStatus, execTime float64) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if status != models.JobStatusTimedOut {
		m.execTime.Record(ctx, execTime)
	}
}

func (m *SchedulerMetrics) JobsRequeued(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.requeued.Add(ctx, int64(n))
}

func (m *SchedulerMetrics) ProtocolError(ctx context.Context) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1)
}
