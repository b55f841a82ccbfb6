package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/angariumd/gridq/internal/logging"
	"github.com/angariumd/gridq/internal/models"
)

func newTestRunner(t *testing.T) *Runner {
	r := NewRunner(t.TempDir(), logging.Discard())
	r.KillGrace = 200 * time.Millisecond
	return r
}

func TestRunner_Success(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), "printf 'line1\nline2\n'", 5*time.Second)
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "line1\nline2" {
		t.Errorf("output %q", res.Output)
	}
	if res.ExecTime < 0 {
		t.Errorf("negative exec time %v", res.ExecTime)
	}
}

func TestRunner_WorkDir(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), "pwd", 5*time.Second)
	if !res.Success || !strings.HasSuffix(res.Output, filepath.Base(r.WorkDir)) {
		t.Errorf("pwd = %q, want %q", res.Output, r.WorkDir)
	}
}

func TestRunner_Failure(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), "echo oops >&2; exit 3", 5*time.Second)
	if res.Success || res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %+v", res)
	}
	if res.Output != "ERROR[3]: oops\n" {
		t.Errorf("output %q", res.Output)
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := newTestRunner(t)
	start := time.Now()
	res := r.Run(context.Background(), "sleep 10; echo never", 300*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if res.Success || !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.HasPrefix(res.Output, "TIMEOUT: ") {
		t.Errorf("output %q", res.Output)
	}
}

func TestRunner_TimeoutKillsChildren(t *testing.T) {
	r := newTestRunner(t)
	start := time.Now()
	// the background sleep keeps stdout open unless the whole group dies
	res := r.Run(context.Background(), "sleep 10 & sleep 10", 200*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("children outlived the timeout: %v", elapsed)
	}
	if !res.TimedOut {
		t.Errorf("expected timeout, got %+v", res)
	}
}

func TestRunner_Cancel(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := r.Run(ctx, "sleep 10", time.Minute)
	if res.Success || res.TimedOut || !strings.HasPrefix(res.Output, "CANCELLED") {
		t.Errorf("expected cancellation, got %+v", res)
	}
}

func TestRunner_OutputCapped(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), "head -c 10000 /dev/zero | tr '\\0' x", 5*time.Second)
	if !res.Success {
		t.Fatalf("expected success, got exit %d", res.ExitCode)
	}
	if len(res.Output) != models.MaxOutputSize {
		t.Errorf("output length %d, want %d", len(res.Output), models.MaxOutputSize)
	}
}

func TestLimitWriter(t *testing.T) {
	w := &LimitWriter{limit: 5}
	for _, s := range []string{"abc", "defg", "hij"} {
		if n, err := w.Write([]byte(s)); n != len(s) || err != nil {
			t.Fatalf("Write(%q) = %d, %v", s, n, err)
		}
	}
	if w.String() != "abcde" || w.dropped != 5 {
		t.Errorf("kept %q, dropped %d", w.String(), w.dropped)
	}
}
