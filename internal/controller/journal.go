package controller

import (
	"context"

	"github.com/angariumd/gridq/internal/events"
	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/observability"
	"github.com/angariumd/gridq/internal/queue"
	"github.com/angariumd/gridq/internal/registry"
)

// JobTimedOut records a job the monitor retired.
func (s *Server) JobTimedOut(job models.Job) {
	if s.store != nil {
		if err := s.store.UpdateJobStatus(job.ID, models.JobStatusTimedOut); err != nil {
			s.logger.Warn("failed to persist timeout", "job_id", job.ID, "error", err)
		}
	}
	var worker int64
	if job.AssignedWorker != nil {
		worker = *job.AssignedWorker
	}
	s.events.Emit(events.TypeJobTimedOut, job.ID, worker, map[string]int{"timeout_seconds": job.TimeoutSeconds})
	s.metrics.JobFinished(context.Background(), models.JobStatusTimedOut, 0)
}

// WorkerDead records a worker that stopped heartbeating or disconnected.
func (s *Server) WorkerDead(workerID int64) {
	if s.store != nil {
		if err := s.store.UpdateWorkerAlive(workerID, false); err != nil {
			s.logger.Warn("failed to persist worker state", "worker_id", workerID, "error", err)
		}
	}
	s.events.Emit(events.TypeWorkerDead, 0, workerID, nil)
}

// JobRequeued records a job handed back to the queue from a dead worker.
func (s *Server) JobRequeued(job models.Job, fromWorker int64) {
	if s.store != nil {
		if err := s.store.SaveJob(job); err != nil {
			s.logger.Warn("failed to persist requeue", "job_id", job.ID, "error", err)
		}
	}
	s.events.Emit(events.TypeJobRequeued, job.ID, fromWorker, map[string]string{"reason": "worker_dead"})
	s.metrics.JobsRequeued(context.Background(), 1)
}

type stateSource struct {
	queue   *queue.Queue
	workers *registry.Registry
}

// NewStateSource exposes live queue and registry counts to the metrics
// gauges.
func NewStateSource(q *queue.Queue, reg *registry.Registry) observability.StateSource {
	return stateSource{queue: q, workers: reg}
}

func (s stateSource) QueueStats() models.QueueStats {
	return s.queue.Stats()
}

func (s stateSource) WorkerCounts() (alive, total int) {
	return s.workers.Counts()
}
