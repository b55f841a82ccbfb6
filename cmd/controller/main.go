package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/angariumd/gridq/internal/config"
	"github.com/angariumd/gridq/internal/controller"
	"github.com/angariumd/gridq/internal/db"
	"github.com/angariumd/gridq/internal/events"
	"github.com/angariumd/gridq/internal/logging"
	"github.com/angariumd/gridq/internal/observability"
	"github.com/angariumd/gridq/internal/queue"
	"github.com/angariumd/gridq/internal/registry"
	"github.com/angariumd/gridq/internal/scheduler"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to controller config (defaults apply when empty)")
	addr := flag.String("addr", "", "job listener address, overrides the config file")
	flag.Parse()

	cfg, err := config.LoadControllerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.Init(); err != nil {
		logger.Error("failed to init db", "error", err)
		os.Exit(1)
	}
	store := db.NewStore(database, runID)

	eventMgr := events.New(database, runID, logger)
	defer eventMgr.Close()

	q := queue.New(
		queue.WithPersister(store),
		queue.WithMaxPending(cfg.MaxPending),
		queue.WithLogger(logger),
	)
	workers := registry.New(registry.WithLogger(logger))

	metricsHandler, provider, err := observability.InitMetrics()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := observability.NewSchedulerMetrics(otel.Meter("gridq/controller"), controller.NewStateSource(q, workers))
	if err != nil {
		logger.Error("failed to create instruments", "error", err)
		os.Exit(1)
	}

	server := controller.NewServer(controller.Deps{
		Queue:   q,
		Workers: workers,
		Store:   store,
		Events:  eventMgr,
		Metrics: metrics,
		Logger:  logger,
	}, controller.Options{
		DefaultPriority:       cfg.DefaultPriority,
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		SubmitRate:            cfg.SubmitRate,
		SubmitBurst:           cfg.SubmitBurst,
		WriteTimeout:          cfg.WriteTimeout,
		Monitor: scheduler.Config{
			Interval:          cfg.MonitorInterval,
			LivenessThreshold: cfg.LivenessThreshold,
		},
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	var admin *http.Server
	if cfg.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			logger.Error("failed to listen", "addr", cfg.AdminAddr, "error", err)
			os.Exit(1)
		}
		admin = &http.Server{Handler: server.AdminRoutes(metricsHandler), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("admin API listening", "addr", adminLn.Addr().String())
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go server.Monitor().Run(monitorCtx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	logger.Info("gridq controller started", "addr", ln.Addr().String(), "db", cfg.DBPath)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("signal received")
	case <-server.StopRequested():
	case err := <-serveErr:
		logger.Error("job listener failed", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced connections closed", "error", err)
	}
	stopMonitor()
	if admin != nil {
		admin.Shutdown(shutdownCtx)
	}
	logger.Info("gridq controller stopped", "stats", q.Stats())

	if exitCode != 0 {
		eventMgr.Close()
		database.Close()
		os.Exit(exitCode)
	}
}
