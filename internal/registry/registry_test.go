package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeConn struct {
	closed int
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "10.0.0.5:4242" }

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(WithClock(clock.Now), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return r, clock
}

func TestRegister(t *testing.T) {
	r, clock := newTestRegistry()
	conn := &fakeConn{}

	id1 := r.Register(conn, "node-a")
	id2 := r.Register(nil, "node-b")
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", id1, id2)
	}

	w, ok := r.Get(id1)
	if !ok {
		t.Fatal("registered worker not found")
	}
	if !w.Alive || w.Hostname != "node-a" || w.ActiveJobCount != 0 || !w.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("unexpected worker %+v", w)
	}
	if w.RemoteAddr != "10.0.0.5:4242" {
		t.Errorf("remote addr not captured: %q", w.RemoteAddr)
	}
}

func TestAssignRelease(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Register(nil, "node")

	for i := int64(1); i <= 2; i++ {
		if err := r.Assign(id, i); err != nil {
			t.Fatal(err)
		}
	}
	w, _ := r.Get(id)
	if w.ActiveJobCount != 2 {
		t.Errorf("expected 2 active jobs, got %d", w.ActiveJobCount)
	}

	r.Release(id)
	r.Release(id)
	r.Release(id)
	w, _ = r.Get(id)
	if w.ActiveJobCount != 0 {
		t.Errorf("expected count floored at 0, got %d", w.ActiveJobCount)
	}

	if err := r.Assign(99, 1); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
	r.MarkDead(id)
	if err := r.Assign(id, 3); !errors.Is(err, ErrDeadWorker) {
		t.Errorf("expected ErrDeadWorker, got %v", err)
	}
}

func TestCheckLiveness(t *testing.T) {
	r, clock := newTestRegistry()
	stale := r.Register(nil, "stale")
	fresh := r.Register(nil, "fresh")

	for i := 0; i < 4; i++ {
		clock.Advance(5 * time.Second)
		if err := r.RecordHeartbeat(stale); err != nil {
			t.Fatal(err)
		}
		if err := r.RecordHeartbeat(fresh); err != nil {
			t.Fatal(err)
		}
		if dead := r.CheckLiveness(clock.Now(), 30*time.Second); len(dead) != 0 {
			t.Fatalf("heartbeating workers marked dead: %v", dead)
		}
	}

	for i := 0; i < 7; i++ {
		clock.Advance(5 * time.Second)
		if err := r.RecordHeartbeat(fresh); err != nil {
			t.Fatal(err)
		}
	}

	dead := r.CheckLiveness(clock.Now(), 30*time.Second)
	if len(dead) != 1 || dead[0] != stale {
		t.Fatalf("expected worker %d dead, got %v", stale, dead)
	}
	if again := r.CheckLiveness(clock.Now(), 30*time.Second); len(again) != 0 {
		t.Errorf("worker reported dead twice: %v", again)
	}
	if r.IsAlive(stale) || !r.IsAlive(fresh) {
		t.Error("unexpected liveness after check")
	}

	// a heartbeat does not revive a dead worker
	if err := r.RecordHeartbeat(stale); !errors.Is(err, ErrDeadWorker) {
		t.Errorf("expected ErrDeadWorker, got %v", err)
	}
	if r.IsAlive(stale) {
		t.Error("dead worker revived by heartbeat")
	}
	if err := r.RecordHeartbeat(42); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestDeadWorkersRemainListed(t *testing.T) {
	r, _ := newTestRegistry()
	conn := &fakeConn{}
	a := r.Register(conn, "a")
	b := r.Register(nil, "b")

	if !r.MarkDead(a) {
		t.Fatal("MarkDead reported no change")
	}
	if r.MarkDead(a) {
		t.Error("MarkDead changed an already dead worker")
	}

	list := r.List()
	if len(list) != 2 || list[0].ID != a || list[1].ID != b {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Alive || !list[1].Alive {
		t.Errorf("unexpected liveness in list %+v", list)
	}
	alive, total := r.Counts()
	if alive != 1 || total != 2 {
		t.Errorf("Counts = %d, %d", alive, total)
	}

	if err := r.Disconnect(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Disconnect(a); err != nil {
		t.Fatal(err)
	}
	if conn.closed != 1 {
		t.Errorf("expected connection closed once, got %d", conn.closed)
	}
	if err := r.Disconnect(7); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}
