// Package scheduler runs the periodic sweep that retires timed-out jobs and
// hands the work of silent workers back to the queue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

type JobQueue interface {
	ScanTimeouts(now time.Time) []models.Job
	Reclaim(workerID int64) []models.Job
}

type WorkerRegistry interface {
	CheckLiveness(now time.Time, threshold time.Duration) []int64
	Release(id int64)
	Disconnect(id int64) error
}

// Journal receives the outcome of every sweep, typically to persist it and
// emit audit events. Methods must not block for long.
type Journal interface {
	JobTimedOut(job models.Job)
	WorkerDead(workerID int64)
	JobRequeued(job models.Job, fromWorker int64)
}

type Config struct {
	Interval          time.Duration
	LivenessThreshold time.Duration
}

type Monitor struct {
	queue   JobQueue
	workers WorkerRegistry
	journal Journal
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// TickReport describes what one sweep changed.
type TickReport struct {
	TimedOut    []models.Job
	DeadWorkers []int64
	Requeued    []models.Job
}

func NewMonitor(q JobQueue, w WorkerRegistry, journal Journal, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		queue:   q,
		workers: w,
		journal: journal,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "monitor"),
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}

// Tick performs one sweep as of now.
func (m *Monitor) Tick(now time.Time) TickReport {
	var report TickReport

	report.TimedOut = m.queue.ScanTimeouts(now)
	for _, job := range report.TimedOut {
		if job.AssignedWorker != nil {
			m.workers.Release(*job.AssignedWorker)
		}
		m.logger.Warn("job timed out", "job_id", job.ID, "timeout_s", job.TimeoutSeconds)
		if m.journal != nil {
			m.journal.JobTimedOut(job)
		}
	}

	report.DeadWorkers = m.workers.CheckLiveness(now, m.cfg.LivenessThreshold)
	for _, id := range report.DeadWorkers {
		m.logger.Warn("worker missed heartbeats, marking dead", "worker_id", id, "threshold", m.cfg.LivenessThreshold)
		if m.journal != nil {
			m.journal.WorkerDead(id)
		}
		if err := m.workers.Disconnect(id); err != nil {
			m.logger.Debug("closing dead worker connection", "worker_id", id, "error", err)
		}
		report.Requeued = append(report.Requeued, m.ReclaimWorker(id)...)
	}

	return report
}

// ReclaimWorker returns every job still running on a dead worker to the
// queue and releases the worker's counts for them.
func (m *Monitor) ReclaimWorker(workerID int64) []models.Job {
	jobs := m.queue.Reclaim(workerID)
	for _, job := range jobs {
		m.workers.Release(workerID)
		m.logger.Info("requeued job from dead worker", "job_id", job.ID, "worker_id", workerID, "priority", job.Priority)
		if m.journal != nil {
			m.journal.JobRequeued(job, workerID)
		}
	}
	return jobs
}
