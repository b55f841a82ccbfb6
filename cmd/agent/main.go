package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/angariumd/gridq/internal/agent"
	"github.com/angariumd/gridq/internal/config"
	"github.com/angariumd/gridq/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to agent config (defaults apply when empty)")
	serverAddr := flag.String("server", "", "controller address, overrides the config file")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverAddr != "" {
		cfg.ServerAddr = *serverAddr
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("gridq agent starting", "server", cfg.ServerAddr, "hostname", cfg.Hostname)
	a := agent.New(*cfg, agent.NewRunner(cfg.WorkDir, logger), logger)
	if err := a.Run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gridq agent stopped")
}
