package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/angariumd/gridq/internal/events"
	"github.com/angariumd/gridq/internal/logging"
	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/observability"
	"github.com/angariumd/gridq/internal/protocol"
	"github.com/angariumd/gridq/internal/queue"
	"github.com/angariumd/gridq/internal/registry"
	"github.com/angariumd/gridq/internal/scheduler"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("controller: server closed")

// Store is the job and worker history kept for reporting. It is never read
// when making scheduling decisions.
type Store interface {
	SaveJob(job models.Job) error
	UpdateJobStatus(jobID int64, status models.JobStatus) error
	UpdateJobResult(result models.JobResult, status models.JobStatus, completedAt time.Time) error
	SaveWorker(w models.Worker) error
	UpdateWorkerAlive(id int64, alive bool) error
	GetJobStats() (models.HistoryStats, error)
	RecentJobs(limit int) ([]models.JobRecord, error)
	ListEvents(limit int) ([]models.Event, error)
	RunID() string
}

type Options struct {
	DefaultPriority       int
	DefaultTimeoutSeconds int

	// Per-connection submission limit in jobs per second. Zero disables it.
	SubmitRate  float64
	SubmitBurst int

	WriteTimeout time.Duration
	Monitor      scheduler.Config
}

// Deps are the collaborators a Server coordinates. Queue and Workers are
// required; the rest may be nil.
type Deps struct {
	Queue   *queue.Queue
	Workers *registry.Registry
	Store   Store
	Events  *events.EventManager
	Metrics *observability.SchedulerMetrics
	Logger  *slog.Logger
}

// Server accepts client submissions and worker sessions on a stream
// listener. Every connection shares the one queue and registry.
type Server struct {
	queue   *queue.Queue
	workers *registry.Registry
	monitor *scheduler.Monitor
	store   Store
	events  *events.EventManager
	metrics *observability.SchedulerMetrics
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closing   bool
	wg        sync.WaitGroup

	shutdownOnce sync.Once
	stopOnce     sync.Once
	stop         chan struct{}
}

func NewServer(deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		queue:     deps.Queue,
		workers:   deps.Workers,
		store:     deps.Store,
		events:    deps.Events,
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    logger.With("component", "controller"),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
		stop:      make(chan struct{}),
	}
	s.monitor = scheduler.NewMonitor(deps.Queue, deps.Workers, s, opts.Monitor, logger)
	return s
}

// Monitor returns the timeout and liveness sweeper bound to this server.
func (s *Server) Monitor() *scheduler.Monitor {
	return s.monitor
}

// StopRequested is closed when an operator asks the server to stop.
func (s *Server) StopRequested() <-chan struct{} {
	return s.stop
}

func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	s.logger.Info("accepting connections", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout, retrying", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.trackConn(conn, true) {
			conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.listeners[ln] = struct{}{}
		return true
	}
	delete(s.listeners, ln)
	return true
}

// trackConn registers a connection and its handler with the shutdown wait
// group. It refuses new connections once shutdown has begun.
func (s *Server) trackConn(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		return true
	}
	delete(s.conns, c)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown closes the queue, which releases every worker blocked waiting
// for a job, stops accepting connections, and waits for handlers to return.
// Connections still open when ctx expires are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down", "stats", s.queue.Stats())
		s.queue.Shutdown()
		s.events.Emit(events.TypeServerShutdown, 0, 0, s.queue.Stats())

		s.mu.Lock()
		s.closing = true
		for ln := range s.listeners {
			ln.Close()
		}
		// Wake handlers parked in a read so they notice the shutdown.
		for c := range s.conns {
			c.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
		s.requestStop()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()
	defer s.trackConn(raw, false)
	defer raw.Close()

	logger := logging.ForConn(s.logger, raw.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection handler", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	conn := protocol.NewConn(raw, protocol.FromPeer)
	first, err := conn.Read()
	if err != nil {
		s.connError(logger, err)
		return
	}

	switch first.Kind {
	case protocol.KindSubmit:
		s.serveClient(conn, first, logger)
	case protocol.KindRegister:
		s.serveWorker(conn, first, logger)
	default:
		s.connError(logger, &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s as first frame", first.Kind)})
	}
}

// connError logs why a connection ended.
func (s *Server) connError(logger *slog.Logger, err error) {
	var perr *protocol.ProtocolError
	switch {
	case errors.As(err, &perr):
		s.metrics.ProtocolError(context.Background())
		logger.Warn("closing connection", "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed by peer")
	case s.isClosing():
		logger.Debug("connection closed for shutdown")
	default:
		logger.Warn("connection error", "error", err)
	}
}

// writeFinal sends the last frame of a session; the peer may already be gone.
func (s *Server) writeFinal(conn *protocol.Conn, m protocol.Message, logger *slog.Logger) {
	if err := s.write(conn, m); err != nil {
		logger.Debug("failed to send final frame", "kind", m.Kind, "error", err)
	}
}

func (s *Server) write(conn *protocol.Conn, m protocol.Message) error {
	if s.opts.WriteTimeout > 0 {
		if err := conn.SetWriteTimeout(s.opts.WriteTimeout); err != nil {
			return err
		}
	}
	return conn.Write(m)
}
