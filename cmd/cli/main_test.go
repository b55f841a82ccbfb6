package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/viper"

	"github.com/angariumd/gridq/internal/models"
)

func stubAdmin(t *testing.T) *atomic.Int32 {
	t.Helper()
	var shutdowns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.StatsResponse{
			Queue:        models.QueueStats{Total: 3, Pending: 1, Running: 1, Completed: 1},
			WorkersAlive: 1,
			WorkersTotal: 2,
		})
	})
	mux.HandleFunc("GET /v1/workers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Worker{{ID: 1, Hostname: "node-a", Alive: true}, {ID: 2, Hostname: "node-b"}})
	})
	mux.HandleFunc("POST /v1/shutdown", func(w http.ResponseWriter, r *http.Request) {
		shutdowns.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v = viper.New()
	v.Set("admin_url", srv.URL)
	return &shutdowns
}

func TestConfirm(t *testing.T) {
	cases := map[string]bool{"y\n": true, "YES\n": true, " yes ": true, "n\n": false, "\n": false, "": false}
	for in, want := range cases {
		var out bytes.Buffer
		if got := confirm(strings.NewReader(in), &out, "Proceed?"); got != want {
			t.Errorf("confirm(%q) = %v, want %v", in, got, want)
		}
		if out.String() != "Proceed? [y/N]: " {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func TestAbbreviate(t *testing.T) {
	if got := abbreviate("echo hi", 40); got != "echo hi" {
		t.Errorf("short script changed: %q", got)
	}
	if got := abbreviate("a\nb", 40); got != "a b" {
		t.Errorf("newlines not flattened: %q", got)
	}
	if got := abbreviate(strings.Repeat("x", 50), 10); got != "xxxxxxx..." {
		t.Errorf("long script = %q", got)
	}
}

func TestConsoleDashboardAndQuit(t *testing.T) {
	shutdowns := stubAdmin(t)

	var out bytes.Buffer
	if err := runConsole(strings.NewReader("help\nbogus\nquit\n"), &out, 0); err != nil {
		t.Fatalf("console: %v", err)
	}
	s := out.String()
	for _, want := range []string{"=== gridq controller ===", "1/2", "node-a", "DEAD", "Commands:", `unknown command "bogus"`} {
		if !strings.Contains(s, want) {
			t.Errorf("console output missing %q:\n%s", want, s)
		}
	}
	if shutdowns.Load() != 0 {
		t.Error("quit must not stop the controller")
	}
}

func TestConsoleShutdownAsksFirst(t *testing.T) {
	shutdowns := stubAdmin(t)

	var out bytes.Buffer
	if err := runConsole(strings.NewReader("shutdown\nn\nshutdown\ny\n"), &out, 0); err != nil {
		t.Fatalf("console: %v", err)
	}
	if !strings.Contains(out.String(), "aborted") {
		t.Errorf("first shutdown should be aborted:\n%s", out.String())
	}
	if got := shutdowns.Load(); got != 1 {
		t.Errorf("shutdown requests = %d, want 1", got)
	}
}

func TestConsoleEndsOnEOF(t *testing.T) {
	stubAdmin(t)
	var out bytes.Buffer
	if err := runConsole(strings.NewReader("stats\n"), &out, 0); err != nil {
		t.Fatalf("console: %v", err)
	}
	if strings.Count(out.String(), "TOTAL") != 2 {
		t.Errorf("expected dashboard and stats command output:\n%s", out.String())
	}
}
