// Package agent is the worker process: it registers with the controller,
// pulls jobs one at a time, runs them and reports the results.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/angariumd/gridq/internal/config"
	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/netutils"
	"github.com/angariumd/gridq/internal/protocol"
)

const dialTimeout = 10 * time.Second

type Agent struct {
	cfg    config.AgentConfig
	runner *Runner
	logger *slog.Logger
}

func New(cfg config.AgentConfig, runner *Runner, logger *slog.Logger) *Agent {
	return &Agent{cfg: cfg, runner: runner, logger: logger.With("component", "agent")}
}

// Run keeps a session with the controller open, reconnecting with
// exponential backoff when it drops. It returns nil once the controller
// sends SHUTDOWN or ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.cfg.ReconnectDelay
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			a.logger.Info("controller is shutting down, exiting")
			return nil
		}
		if registered {
			delay = a.cfg.ReconnectDelay
		}
		a.logger.Warn("session ended, reconnecting", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, a.cfg.MaxReconnectDelay)
	}
}

// session runs one connection. A nil error means the controller said
// SHUTDOWN.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	raw, err := netutils.DialTCP(ctx, a.cfg.ServerAddr, dialTimeout)
	if err != nil {
		return false, err
	}
	conn := protocol.NewConn(raw, protocol.FromServer)
	defer conn.Close()

	// Sign off and unblock any pending read when the agent is stopped.
	stop := context.AfterFunc(ctx, func() {
		conn.SetWriteTimeout(time.Second)
		conn.Write(protocol.Message{Kind: protocol.KindShutdown})
		conn.Close()
	})
	defer stop()

	if err := conn.Write(protocol.Message{Kind: protocol.KindRegister, Hostname: a.cfg.Hostname}); err != nil {
		return false, fmt.Errorf("registering: %w", err)
	}
	reply, err := conn.Read()
	if err != nil {
		return false, fmt.Errorf("registering: %w", err)
	}
	if reply.Kind != protocol.KindRegistered {
		return false, fmt.Errorf("registering: unexpected reply %s", reply.Kind)
	}
	id := reply.WorkerID
	logger := a.logger.With("worker_id", id)
	logger.Info("registered with controller", "addr", a.cfg.ServerAddr, "hostname", a.cfg.Hostname)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go a.heartbeat(hbCtx, conn, id, logger)

	for {
		if err := conn.Write(protocol.Message{Kind: protocol.KindRequestJob}); err != nil {
			return true, err
		}
		m, err := conn.Read()
		if err != nil {
			return true, err
		}

		switch m.Kind {
		case protocol.KindJobOffer:
			res := a.execute(ctx, m, logger)
			if ctx.Err() != nil {
				// The controller requeues the job when we disconnect.
				return true, ctx.Err()
			}
			if err := conn.Write(protocol.Result(res)); err != nil {
				return true, fmt.Errorf("reporting job %d: %w", m.JobID, err)
			}

		case protocol.KindNoJobs:
			select {
			case <-ctx.Done():
				return true, ctx.Err()
			case <-time.After(a.cfg.ReconnectDelay):
			}

		case protocol.KindShutdown:
			return true, nil

		default:
			return true, &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s from controller", m.Kind)}
		}
	}
}

func (a *Agent) execute(ctx context.Context, offer protocol.Message, logger *slog.Logger) models.JobResult {
	logger = logger.With("job_id", offer.JobID)
	logger.Info("running job", "timeout_s", offer.TimeoutSeconds)

	res := a.runner.Run(ctx, offer.Script, time.Duration(offer.TimeoutSeconds)*time.Second)

	logger.Info("job done", "success", res.Success, "exit_code", res.ExitCode, "exec_time", res.ExecTime)
	return models.JobResult{
		JobID:    offer.JobID,
		Success:  res.Success,
		ExecTime: res.ExecTime,
		Output:   res.Output,
	}
}

func (a *Agent) heartbeat(ctx context.Context, conn *protocol.Conn, id int64, logger *slog.Logger) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(protocol.Message{Kind: protocol.KindHeartbeat, WorkerID: id}); err != nil {
				logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}
