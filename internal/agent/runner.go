package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

// DefaultKillGrace is how long a timed-out job gets between SIGTERM and
// SIGKILL.
const DefaultKillGrace = 2 * time.Second

// Result is what the agent reports for one job.
type Result struct {
	Success  bool
	ExitCode int
	TimedOut bool
	ExecTime float64
	Output   string
}

// Runner executes job scripts with sh -c in their own process group.
type Runner struct {
	WorkDir   string
	KillGrace time.Duration
	logger    *slog.Logger
}

func NewRunner(workDir string, logger *slog.Logger) *Runner {
	return &Runner{WorkDir: workDir, KillGrace: DefaultKillGrace, logger: logger.With("component", "runner")}
}

// LimitWriter keeps the first limit bytes written and counts the rest.
type LimitWriter struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (l *LimitWriter) Write(p []byte) (int, error) {
	room := l.limit - l.buf.Len()
	if room <= 0 {
		l.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		l.buf.Write(p[:room])
		l.dropped += len(p) - room
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *LimitWriter) String() string {
	return l.buf.String()
}

// Run executes script and waits for it, killing the whole process group
// once timeout elapses or ctx is done. Output is stdout and stderr
// combined, capped at models.MaxOutputSize bytes.
func (r *Runner) Run(ctx context.Context, script string, timeout time.Duration) Result {
	out := &LimitWriter{limit: models.MaxOutputSize}

	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = r.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	// New process group so the kill reaches children of the shell too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.KillGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Output: truncate(fmt.Sprintf("ERROR: could not start script: %v", err))}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		canceled bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = r.stop(cmd, done)
	case <-ctx.Done():
		canceled = true
		waitErr = r.stop(cmd, done)
	}
	elapsed := time.Since(start).Seconds()

	res := Result{ExecTime: elapsed}
	switch {
	case timedOut:
		res.TimedOut = true
		res.ExitCode = -1
		res.Output = fmt.Sprintf("TIMEOUT: script exceeded the %s limit", timeout)
	case canceled:
		res.ExitCode = -1
		res.Output = "CANCELLED: agent stopped while the script was running"
	case waitErr == nil:
		res.Success = true
		res.Output = strings.TrimSuffix(out.String(), "\n")
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Output = fmt.Sprintf("ERROR[%d]: %s", res.ExitCode, out.String())
	}
	if out.dropped > 0 {
		r.logger.Debug("output truncated", "dropped_bytes", out.dropped)
	}
	res.Output = truncate(res.Output)
	return res
}

// stop sends SIGTERM to the process group, then SIGKILL after the grace
// period, and returns the Wait result.
func (r *Runner) stop(cmd *exec.Cmd, done <-chan error) error {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case werr := <-done:
		return werr
	case <-time.After(r.KillGrace):
		r.logger.Warn("script ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			cmd.Process.Kill()
		}
		return <-done
	}
}

func truncate(s string) string {
	if len(s) <= models.MaxOutputSize {
		return s
	}
	return s[:models.MaxOutputSize]
}
