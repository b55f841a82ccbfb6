package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/angariumd/gridq/internal/events"
	"github.com/angariumd/gridq/internal/protocol"
	"github.com/angariumd/gridq/internal/queue"
)

// serveClient handles a submission session. Every SUBMIT_JOB gets a reply;
// the connection stays open until the client closes it, sends something
// other than a submission, or the queue is shut down.
func (s *Server) serveClient(conn *protocol.Conn, first protocol.Message, logger *slog.Logger) {
	var limiter *rate.Limiter
	if s.opts.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.SubmitRate), s.opts.SubmitBurst)
	}

	msg := first
	for {
		if msg.Kind != protocol.KindSubmit {
			s.connError(logger, &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s on a client connection", msg.Kind)})
			return
		}
		if !s.submit(conn, msg, limiter, logger) {
			return
		}

		var err error
		if msg, err = conn.Read(); err != nil {
			s.connError(logger, err)
			return
		}
	}
}

// submit enqueues one job and replies. It reports whether the session may
// continue.
func (s *Server) submit(conn *protocol.Conn, msg protocol.Message, limiter *rate.Limiter, logger *slog.Logger) bool {
	ctx := context.Background()

	if limiter != nil && !limiter.Allow() {
		s.metrics.JobRejected(ctx, protocol.CodeRateLimited)
		return s.write(conn, protocol.Errorf(protocol.CodeRateLimited, "more than %v submissions per second", s.opts.SubmitRate)) == nil
	}

	draft := msg.Draft()
	if msg.Legacy {
		draft.Priority = s.opts.DefaultPriority
		draft.TimeoutSeconds = s.opts.DefaultTimeoutSeconds
	}

	id, err := s.queue.Push(draft)
	if err != nil {
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, queue.ErrInvalidArgument):
			code = protocol.CodeInvalidArgument
		case errors.Is(err, queue.ErrQueueFull):
			code = protocol.CodeQueueFull
		case errors.Is(err, queue.ErrQueueClosed):
			code = protocol.CodeQueueClosed
		}
		logger.Info("submission rejected", "code", code, "error", err)
		s.metrics.JobRejected(ctx, code)
		s.events.Emit(events.TypeJobRejected, 0, 0, map[string]string{"code": code, "error": err.Error()})

		werr := s.write(conn, protocol.Errorf(code, "%v", err))
		return werr == nil && code != protocol.CodeQueueClosed
	}

	logger.Info("job accepted", "job_id", id, "priority", draft.Priority, "timeout_s", draft.TimeoutSeconds)
	s.metrics.JobSubmitted(ctx)
	s.events.Emit(events.TypeJobSubmitted, id, 0, map[string]int{
		"priority":        draft.Priority,
		"timeout_seconds": draft.TimeoutSeconds,
	})

	if err := s.write(conn, protocol.Message{Kind: protocol.KindAccepted, JobID: id}); err != nil {
		logger.Warn("failed to acknowledge job", "job_id", id, "error", err)
		return false
	}
	return true
}
