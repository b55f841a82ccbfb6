// Package registry tracks the workers known to the controller.
//
// Workers are never removed. A worker that stops heartbeating or
// disconnects is marked dead and stays queryable so late messages that
// mention its id can still be resolved.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrDeadWorker    = errors.New("dead worker")
)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

type entry struct {
	worker models.Worker
	conn   io.Closer
}

type Registry struct {
	mu      sync.RWMutex
	workers map[int64]*entry
	nextID  int64

	now    func() time.Time
	logger *slog.Logger
}

func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[int64]*entry),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register records a new live worker and returns its id. conn is closed by
// Disconnect; it may be nil.
func (r *Registry) Register(conn io.Closer, hostname string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := r.now()
	w := models.Worker{
		ID:            r.nextID,
		Hostname:      hostname,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Alive:         true,
	}
	if ra, ok := conn.(interface{ RemoteAddr() string }); ok {
		w.RemoteAddr = ra.RemoteAddr()
	}
	r.workers[w.ID] = &entry{worker: w, conn: conn}
	return w.ID
}

// RecordHeartbeat refreshes a live worker. A dead worker stays dead.
func (r *Registry) RecordHeartbeat(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("heartbeat from worker %d: %w", id, ErrUnknownWorker)
	}
	if !e.worker.Alive {
		return fmt.Errorf("heartbeat from worker %d: %w", id, ErrDeadWorker)
	}
	e.worker.LastHeartbeat = r.now()
	return nil
}

// Assign counts one more running job against a live worker.
func (r *Registry) Assign(id, jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("assigning job %d to worker %d: %w", jobID, id, ErrUnknownWorker)
	}
	if !e.worker.Alive {
		return fmt.Errorf("assigning job %d to worker %d: %w", jobID, id, ErrDeadWorker)
	}
	e.worker.ActiveJobCount++
	return nil
}

// Release drops one running job from the worker's count, never below zero.
func (r *Registry) Release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		r.logger.Warn("release for unknown worker", "worker_id", id)
		return
	}
	if e.worker.ActiveJobCount > 0 {
		e.worker.ActiveJobCount--
	}
}

// CheckLiveness marks every live worker silent for longer than threshold as
// dead and returns the newly dead ids in ascending order.
func (r *Registry) CheckLiveness(now time.Time, threshold time.Duration) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []int64
	for id, e := range r.workers {
		if e.worker.Alive && now.Sub(e.worker.LastHeartbeat) > threshold {
			e.worker.Alive = false
			dead = append(dead, id)
		}
	}
	slices.Sort(dead)
	return dead
}

// MarkDead marks a worker dead and reports whether this call changed it.
func (r *Registry) MarkDead(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok || !e.worker.Alive {
		return false
	}
	e.worker.Alive = false
	return true
}

// Disconnect closes the connection recorded for a worker, if any.
func (r *Registry) Disconnect(id int64) error {
	r.mu.Lock()
	e, ok := r.workers[id]
	var conn io.Closer
	if ok {
		conn, e.conn = e.conn, nil
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("disconnecting worker %d: %w", id, ErrUnknownWorker)
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (r *Registry) IsAlive(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	return ok && e.worker.Alive
}

func (r *Registry) Get(id int64) (models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return e.worker, true
}

// List returns every known worker, dead ones included, in id order.
func (r *Registry) List() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Worker, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.worker)
	}
	slices.SortFunc(out, func(a, b models.Worker) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Counts returns the number of live workers and of all workers ever seen.
func (r *Registry) Counts() (alive, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.workers {
		if e.worker.Alive {
			alive++
		}
	}
	return alive, len(r.workers)
}
