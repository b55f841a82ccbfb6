package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/angariumd/gridq/internal/config"
	"github.com/angariumd/gridq/internal/controller"
	"github.com/angariumd/gridq/internal/logging"
	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/queue"
	"github.com/angariumd/gridq/internal/registry"
)

func startController(t *testing.T) (*controller.Server, *queue.Queue, *registry.Registry, string) {
	t.Helper()
	q := queue.New(queue.WithLogger(logging.Discard()))
	reg := registry.New(registry.WithLogger(logging.Discard()))
	s := controller.NewServer(controller.Deps{Queue: q, Workers: reg, Logger: logging.Discard()},
		controller.Options{DefaultPriority: 5, DefaultTimeoutSeconds: 30, WriteTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, q, reg, ln.Addr().String()
}

func testAgentConfig(addr string) config.AgentConfig {
	cfg := config.DefaultAgentConfig()
	cfg.ServerAddr = addr
	cfg.Hostname = "test-agent"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectDelay = 100 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runAgent(ctx context.Context, t *testing.T, cfg config.AgentConfig) <-chan error {
	t.Helper()
	a := New(cfg, newTestRunner(t), logging.Discard())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

func TestAgentRunsJobsUntilShutdown(t *testing.T) {
	s, q, reg, addr := startController(t)
	q.Push(models.JobDraft{Script: "echo ok", Priority: 5, TimeoutSeconds: 10})
	q.Push(models.JobDraft{Script: "exit 2", Priority: 4, TimeoutSeconds: 10})

	done := runAgent(context.Background(), t, testAgentConfig(addr))

	waitFor(t, "both jobs finished", func() bool {
		st := q.Stats()
		return st.Completed == 1 && st.Failed == 1
	})
	workers := reg.List()
	if len(workers) != 1 || workers[0].Hostname != "test-agent" {
		t.Fatalf("workers %+v", workers)
	}
	first := workers[0].LastHeartbeat
	waitFor(t, "a heartbeat", func() bool {
		w, _ := reg.Get(workers[0].ID)
		return w.LastHeartbeat.After(first)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit on SHUTDOWN")
	}
}

func TestAgentStopsOnCancelAndJobIsRequeued(t *testing.T) {
	_, q, reg, addr := startController(t)
	jobID, _ := q.Push(models.JobDraft{Script: "sleep 30", Priority: 5, TimeoutSeconds: 60})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAgent(ctx, t, testAgentConfig(addr))

	waitFor(t, "job to start", func() bool { return q.Stats().Running == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop on cancel")
	}

	waitFor(t, "job requeued", func() bool { return q.Size() == 1 })
	if pending := q.Pending(); pending[0].ID != jobID {
		t.Errorf("pending %+v", pending)
	}
	waitFor(t, "worker marked dead", func() bool {
		alive, _ := reg.Counts()
		return alive == 0
	})
}

func TestAgentReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAgent(ctx, t, testAgentConfig(addr))

	// nothing listens yet; the agent keeps retrying
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("agent gave up: %v", err)
	default:
	}

	q := queue.New(queue.WithLogger(logging.Discard()))
	s := controller.NewServer(controller.Deps{Queue: q, Workers: registry.New(registry.WithLogger(logging.Discard())), Logger: logging.Discard()},
		controller.Options{WriteTimeout: time.Second})
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	go s.Serve(ln2)
	defer s.Shutdown(context.Background())

	q.Push(models.JobDraft{Script: "true", Priority: 5, TimeoutSeconds: 10})
	waitFor(t, "job run after reconnect", func() bool { return q.Stats().Completed == 1 })
}
