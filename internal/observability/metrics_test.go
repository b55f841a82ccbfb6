package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

type staticState struct{}

func (staticState) QueueStats() models.QueueStats {
	return models.QueueStats{Pending: 4, Running: 2}
}

func (staticState) WorkerCounts() (int, int) { return 3, 5 }

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func TestInitMetrics(t *testing.T) {
	handler, provider, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	if handler == nil || provider == nil {
		t.Fatal("expected handler and provider")
	}
	scrape(t, handler)
}

func TestSchedulerMetrics(t *testing.T) {
	ctx := context.Background()
	handler, provider, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer provider.Shutdown(ctx)

	m, err := NewSchedulerMetrics(provider.Meter("test"), staticState{})
	if err != nil {
		t.Fatal(err)
	}
	m.JobSubmitted(ctx)
	m.JobSubmitted(ctx)
	m.JobRejected(ctx, "INVALID_ARGUMENT")
	m.JobFinished(ctx, models.JobStatusCompleted, 0.25)
	m.JobFinished(ctx, models.JobStatusTimedOut, 0)
	m.JobsRequeued(ctx, 3)
	m.ProtocolError(ctx)

	body := scrape(t, handler)
	for _, want := range []string{
		"gridq_jobs_submitted_total",
		"gridq_jobs_rejected_total",
		`code="INVALID_ARGUMENT"`,
		`status="TIMED_OUT"`,
		"gridq_jobs_requeued_total",
		"gridq_protocol_errors_total",
		"gridq_queue_pending",
		"gridq_workers_alive",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in scrape output:\n%s", want, body)
		}
	}
}

func TestNilSchedulerMetrics(t *testing.T) {
	var m *SchedulerMetrics
	ctx := context.Background()
	m.JobSubmitted(ctx)
	m.JobFinished(ctx, models.JobStatusFailed, 1)
	m.ProtocolError(ctx)
}
