// Package queue holds submitted jobs until a worker takes them.
//
// Pending jobs are kept in a slice sorted by priority, highest first, with
// submission order preserved among equal priorities. Consumers block in Pop
// until a job arrives or the queue is shut down. Jobs handed out by Pop stay
// tracked as running until they complete, time out, or are put back.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrQueueClosed     = errors.New("queue closed")
	ErrQueueFull       = errors.New("queue full")
	ErrUnknownJob      = errors.New("unknown job")
)

// Persister receives a copy of every accepted job. Failures are logged and
// never fail the submission.
type Persister interface {
	InsertJob(job models.Job) error
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithPersister(p Persister) Option {
	return func(q *Queue) { q.persister = p }
}

// WithMaxPending caps the number of pending jobs. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxPending = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []models.Job
	running map[int64]models.Job
	closed  bool

	nextID    int64
	completed int64
	failed    int64
	timedOut  int64

	maxPending int
	persister  Persister
	now        func() time.Time
	logger     *slog.Logger
}

func New(opts ...Option) *Queue {
	q := &Queue{
		running: make(map[int64]models.Job),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	q.logger = q.logger.With("component", "queue")
	return q
}

// Validate checks a draft against the accepted ranges.
func Validate(d models.JobDraft) error {
	if d.Priority < models.MinPriority || d.Priority > models.MaxPriority {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]", ErrInvalidArgument, d.Priority, models.MinPriority, models.MaxPriority)
	}
	if d.TimeoutSeconds < 1 || d.TimeoutSeconds > models.MaxTimeoutSeconds {
		return fmt.Errorf("%w: timeout %d out of range [1,%d]", ErrInvalidArgument, d.TimeoutSeconds, models.MaxTimeoutSeconds)
	}
	if d.Script == "" {
		return fmt.Errorf("%w: empty script", ErrInvalidArgument)
	}
	if len(d.Script) > models.MaxScriptSize {
		return fmt.Errorf("%w: script of %d bytes exceeds %d", ErrInvalidArgument, len(d.Script), models.MaxScriptSize)
	}
	return nil
}

// Push validates and enqueues a job, returning its id. A closed queue
// rejects every draft with ErrQueueClosed, valid or not.
func (q *Queue) Push(d models.JobDraft) (int64, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	if err := Validate(d); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	if q.maxPending > 0 && len(q.pending) >= q.maxPending {
		q.mu.Unlock()
		return 0, fmt.Errorf("%w: %d jobs pending", ErrQueueFull, q.maxPending)
	}
	q.nextID++
	job := models.Job{
		ID:             q.nextID,
		Script:         d.Script,
		Priority:       d.Priority,
		TimeoutSeconds: d.TimeoutSeconds,
		Status:         models.JobStatusPending,
		SubmittedAt:    q.now(),
	}
	q.insert(job)
	q.cond.Signal()
	q.mu.Unlock()

	if q.persister != nil {
		if err := q.persister.InsertJob(job); err != nil {
			q.logger.Warn("failed to persist job", "job_id", job.ID, "error", err)
		}
	}
	return job.ID, nil
}

// insert places job before the first pending job of strictly lower priority.
// Caller holds q.mu.
func (q *Queue) insert(job models.Job) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < job.Priority
	})
	q.pending = slices.Insert(q.pending, i, job)
}

// Pop blocks until a job is pending and returns it marked RUNNING. It
// returns ErrQueueClosed once the queue is shut down.
func (q *Queue) Pop() (models.Job, error) {
	return q.PopContext(context.Background())
}

// PopContext is Pop that also gives up when ctx is done.
func (q *Queue) PopContext(ctx context.Context) (models.Job, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed {
		return models.Job{}, ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		// A push may have signalled us; hand the wakeup on.
		if len(q.pending) > 0 {
			q.cond.Signal()
		}
		return models.Job{}, err
	}

	job := q.pending[0]
	q.pending = slices.Delete(q.pending, 0, 1)

	started := q.now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &started
	q.running[job.ID] = job
	return job, nil
}

// Assign records workerID as the owner of a running job. admit runs under
// the queue lock and can veto the assignment, typically by reserving
// capacity in the worker registry.
func (q *Queue) Assign(jobID, workerID int64, admit func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[jobID]
	if !ok {
		return fmt.Errorf("%w: job %d is not running", ErrUnknownJob, jobID)
	}
	if admit != nil {
		if err := admit(); err != nil {
			return err
		}
	}
	wid := workerID
	job.AssignedWorker = &wid
	q.running[jobID] = job
	return nil
}

// Complete removes a running job owned by workerID and marks it COMPLETED
// or FAILED.
func (q *Queue) Complete(jobID, workerID int64, success bool) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[jobID]
	if !ok || job.AssignedWorker == nil || *job.AssignedWorker != workerID {
		return models.Job{}, fmt.Errorf("%w: job %d is not running on worker %d", ErrUnknownJob, jobID, workerID)
	}
	delete(q.running, jobID)
	if success {
		job.Status = models.JobStatusCompleted
		q.completed++
	} else {
		job.Status = models.JobStatusFailed
		q.failed++
	}
	return job, nil
}

// Requeue puts a popped job back in the pending sequence, keeping its id
// and priority. Its submission time is reset. A job that is no longer
// running, for example because it already timed out, is not revived.
func (q *Queue) Requeue(job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.running[job.ID]; !ok {
		return fmt.Errorf("%w: job %d is not running", ErrUnknownJob, job.ID)
	}
	delete(q.running, job.ID)
	q.insert(q.reset(job))
	q.cond.Signal()
	return nil
}

// Reclaim moves every running job assigned to workerID back to pending and
// returns them in id order.
func (q *Queue) Reclaim(workerID int64) []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []models.Job
	for id, job := range q.running {
		if job.AssignedWorker != nil && *job.AssignedWorker == workerID {
			jobs = append(jobs, job)
			delete(q.running, id)
		}
	}
	slices.SortFunc(jobs, byID)

	for i, job := range jobs {
		jobs[i] = q.reset(job)
		q.insert(jobs[i])
	}
	if len(jobs) > 0 {
		q.cond.Broadcast()
	}
	return jobs
}

func (q *Queue) reset(job models.Job) models.Job {
	job.Status = models.JobStatusPending
	job.SubmittedAt = q.now()
	job.StartedAt = nil
	job.AssignedWorker = nil
	return job
}

// ScanTimeouts marks every running job older than its timeout as TIMED_OUT,
// stops tracking it, and returns it. Timed-out jobs are not re-queued.
func (q *Queue) ScanTimeouts(now time.Time) []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []models.Job
	for id, job := range q.running {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) <= job.Timeout() {
			continue
		}
		delete(q.running, id)
		job.Status = models.JobStatusTimedOut
		q.timedOut++
		expired = append(expired, job)
	}
	slices.SortFunc(expired, byID)
	return expired
}

func byID(a, b models.Job) int {
	return cmp.Compare(a.ID, b.ID)
}

// Shutdown closes the queue and releases every blocked consumer. It is safe
// to call more than once.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Size returns the number of pending jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.QueueStats{
		Total:     q.nextID,
		Pending:   len(q.pending),
		Running:   len(q.running),
		Completed: q.completed,
		Failed:    q.failed,
		TimedOut:  q.timedOut,
	}
}

// Pending returns the pending jobs in pop order.
func (q *Queue) Pending() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// Running returns the running jobs in id order.
func (q *Queue) Running() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]models.Job, 0, len(q.running))
	for _, job := range q.running {
		jobs = append(jobs, job)
	}
	slices.SortFunc(jobs, byID)
	return jobs
}
