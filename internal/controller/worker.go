package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/angariumd/gridq/internal/events"
	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/protocol"
	"github.com/angariumd/gridq/internal/queue"
	"github.com/angariumd/gridq/internal/registry"
)

type readResult struct {
	msg protocol.Message
	err error
}

type popResult struct {
	job models.Job
	err error
}

// serveWorker runs one worker session:
//
//	REGISTER_WORKER -> REGISTERED
//	REQUEST_JOB     -> JOB offer | NO_JOBS | SHUTDOWN
//	JOB_RESULT      -> (no reply)
//	HEARTBEAT       -> (no reply)
//
// At most one job is outstanding per connection. Frames are read on a
// separate goroutine so heartbeats are handled while the session waits for
// the queue.
func (s *Server) serveWorker(conn *protocol.Conn, first protocol.Message, logger *slog.Logger) {
	id := s.workers.Register(conn, first.Hostname)
	logger = logger.With("worker_id", id)
	s.workerRegistered(id, logger)
	defer s.workerGone(id, logger)

	if err := s.write(conn, protocol.Message{Kind: protocol.KindRegistered, WorkerID: id}); err != nil {
		logger.Warn("failed to acknowledge registration", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan readResult)
	go func() {
		for {
			m, err := conn.Read()
			select {
			case frames <- readResult{m, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		outstanding  *models.Job
		popping      bool
		sentShutdown bool
		popped       = make(chan popResult, 1)
	)
	defer func() {
		if popping {
			cancel()
			if r := <-popped; r.err == nil {
				// Taken from the queue but never offered.
				if err := s.queue.Requeue(r.job); err != nil {
					logger.Warn("could not return job to queue", "job_id", r.job.ID, "error", err)
				}
			}
		}
		if s.isClosing() && !sentShutdown {
			s.writeFinal(conn, protocol.Message{Kind: protocol.KindShutdown}, logger)
		}
	}()

	for {
		select {
		case r := <-frames:
			if r.err != nil {
				s.connError(logger, r.err)
				return
			}
			m := r.msg
			switch m.Kind {
			case protocol.KindHeartbeat:
				if m.WorkerID != 0 && m.WorkerID != id {
					s.connError(logger, &protocol.ProtocolError{Reason: fmt.Sprintf("heartbeat for worker %d on worker %d's connection", m.WorkerID, id)})
					return
				}
				if err := s.workers.RecordHeartbeat(id); err != nil {
					logger.Warn("heartbeat ignored", "error", err)
				}

			case protocol.KindRequestJob:
				if popping || outstanding != nil {
					s.connError(logger, &protocol.ProtocolError{Reason: "REQUEST_JOB while a job is outstanding"})
					return
				}
				if !s.workers.IsAlive(id) {
					s.writeFinal(conn, protocol.Message{Kind: protocol.KindNoJobs}, logger)
					return
				}
				popping = true
				go func() {
					job, err := s.queue.PopContext(ctx)
					popped <- popResult{job, err}
				}()

			case protocol.KindResult:
				if outstanding == nil || m.JobID != outstanding.ID {
					s.connError(logger, &protocol.ProtocolError{Reason: fmt.Sprintf("result for job %d that was not offered on this connection", m.JobID)})
					return
				}
				s.finishJob(id, m.JobResult(), logger)
				outstanding = nil

			case protocol.KindShutdown:
				logger.Info("worker signed off")
				sentShutdown = true
				return

			default:
				s.connError(logger, &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s from worker", m.Kind)})
				return
			}

		case r := <-popped:
			popping = false
			if errors.Is(r.err, queue.ErrQueueClosed) {
				s.writeFinal(conn, protocol.Message{Kind: protocol.KindShutdown}, logger)
				sentShutdown = true
				return
			}
			if r.err != nil {
				return
			}

			job, ok := s.assign(id, r.job, logger)
			if !ok {
				if !s.workers.IsAlive(id) {
					s.writeFinal(conn, protocol.Message{Kind: protocol.KindNoJobs}, logger)
					return
				}
				if err := s.write(conn, protocol.Message{Kind: protocol.KindNoJobs}); err != nil {
					logger.Debug("failed to send NO_JOBS", "error", err)
					return
				}
				continue
			}
			if err := s.write(conn, protocol.Offer(job)); err != nil {
				// Still assigned to us; workerGone hands it back.
				logger.Warn("failed to send job offer", "job_id", job.ID, "error", err)
				return
			}
			outstanding = &job
		}
	}
}

// assign binds a popped job to the worker. If the worker died after the pop
// the job goes back to the queue with its priority intact.
func (s *Server) assign(workerID int64, job models.Job, logger *slog.Logger) (models.Job, bool) {
	err := s.queue.Assign(job.ID, workerID, func() error {
		return s.workers.Assign(workerID, job.ID)
	})
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrDeadWorker), errors.Is(err, registry.ErrUnknownWorker):
		logger.Warn("worker lost before assignment, requeueing job", "job_id", job.ID, "error", err)
		if rerr := s.queue.Requeue(job); rerr != nil {
			logger.Error("could not requeue job", "job_id", job.ID, "error", rerr)
		} else {
			s.events.Emit(events.TypeJobRequeued, job.ID, workerID, map[string]string{"reason": "assignment_failed"})
		}
		return models.Job{}, false
	default:
		// Retired by the monitor between pop and assignment.
		logger.Warn("job no longer running, not offering it", "job_id", job.ID, "error", err)
		return models.Job{}, false
	}

	job.AssignedWorker = &workerID
	logger.Info("job assigned", "job_id", job.ID, "priority", job.Priority)
	if s.store != nil {
		if err := s.store.SaveJob(job); err != nil {
			logger.Warn("failed to persist assignment", "job_id", job.ID, "error", err)
		}
	}
	s.events.Emit(events.TypeJobAssigned, job.ID, workerID, nil)
	return job, true
}

// finishJob applies a worker's result. Results for jobs that already timed
// out or were reclaimed are dropped without touching the worker's count.
func (s *Server) finishJob(workerID int64, res models.JobResult, logger *slog.Logger) {
	job, err := s.queue.Complete(res.JobID, workerID, res.Success)
	if err != nil {
		logger.Info("dropping late result", "job_id", res.JobID, "error", err)
		return
	}
	s.workers.Release(workerID)

	logger.Info("job finished", "job_id", job.ID, "status", job.Status, "exec_time", res.ExecTime)
	if s.store != nil {
		if err := s.store.UpdateJobResult(res, job.Status, time.Now()); err != nil {
			logger.Warn("failed to persist result", "job_id", job.ID, "error", err)
		}
	}
	evt := events.TypeJobCompleted
	if job.Status == models.JobStatusFailed {
		evt = events.TypeJobFailed
	}
	s.events.Emit(evt, job.ID, workerID, map[string]any{"exec_time": res.ExecTime})
	s.metrics.JobFinished(context.Background(), job.Status, res.ExecTime)
}

func (s *Server) workerRegistered(id int64, logger *slog.Logger) {
	w, _ := s.workers.Get(id)
	logger.Info("worker registered", "hostname", w.Hostname)
	if s.store != nil {
		if err := s.store.SaveWorker(w); err != nil {
			logger.Warn("failed to persist worker", "error", err)
		}
	}
	s.events.Emit(events.TypeWorkerRegistered, 0, id, map[string]string{"hostname": w.Hostname, "remote": w.RemoteAddr})
}

// workerGone runs when a worker's connection ends. The worker can never be
// offered work again, so anything still assigned to it is reclaimed now
// rather than after the liveness threshold.
func (s *Server) workerGone(id int64, logger *slog.Logger) {
	if s.workers.MarkDead(id) {
		logger.Info("worker disconnected")
		s.WorkerDead(id)
	}
	s.monitor.ReclaimWorker(id)
}
