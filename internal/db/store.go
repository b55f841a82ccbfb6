package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

// Store records job and worker history for one controller run. Job and
// worker ids restart at 1 on every run, so rows are keyed by run id too.
type Store struct {
	db    *DB
	runID string
}

func NewStore(d *DB, runID string) *Store {
	return &Store{db: d, runID: runID}
}

func (s *Store) RunID() string {
	return s.runID
}

// SaveJob inserts or overwrites the job row.
func (s *Store) SaveJob(job models.Job) error {
	var startedAt, workerID any
	if job.StartedAt != nil {
		startedAt = formatTime(*job.StartedAt)
	}
	if job.AssignedWorker != nil {
		workerID = *job.AssignedWorker
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (run_id, id, script, priority, timeout_seconds, status, worker_id, submitted_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO UPDATE SET
			status = excluded.status,
			worker_id = excluded.worker_id,
			submitted_at = excluded.submitted_at,
			started_at = excluded.started_at
	`, s.runID, job.ID, job.Script, job.Priority, job.TimeoutSeconds, string(job.Status), workerID, formatTime(job.SubmittedAt), startedAt)
	if err != nil {
		return fmt.Errorf("saving job %d: %w", job.ID, err)
	}
	return nil
}

// InsertJob records a newly submitted job. It never overwrites an existing
// row, so a late insert cannot undo an assignment saved first.
func (s *Store) InsertJob(job models.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (run_id, id, script, priority, timeout_seconds, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO NOTHING
	`, s.runID, job.ID, job.Script, job.Priority, job.TimeoutSeconds, string(job.Status), formatTime(job.SubmittedAt))
	if err != nil {
		return fmt.Errorf("inserting job %d: %w", job.ID, err)
	}
	return nil
}

// UpdateJobStatus records a status change that carries no result, such as a
// timeout.
func (s *Store) UpdateJobStatus(jobID int64, status models.JobStatus) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE run_id = ? AND id = ?`, string(status), s.runID, jobID)
	if err != nil {
		return fmt.Errorf("updating job %d status: %w", jobID, err)
	}
	return expectOneRow(res, jobID)
}

// UpdateJobResult stores a worker's report along with the job's terminal
// status.
func (s *Store) UpdateJobResult(result models.JobResult, status models.JobStatus, completedAt time.Time) error {
	success := 0
	if result.Success {
		success = 1
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = ?, success = ?, exec_time = ?, result_text = ?
		WHERE run_id = ? AND id = ?
	`, string(status), formatTime(completedAt), success, result.ExecTime, result.Output, s.runID, result.JobID)
	if err != nil {
		return fmt.Errorf("updating job %d result: %w", result.JobID, err)
	}
	return expectOneRow(res, result.JobID)
}

// GetJobStats summarises every job ever recorded, across runs.
func (s *Store) GetJobStats() (models.HistoryStats, error) {
	var st models.HistoryStats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN success IS NOT NULL THEN exec_time END), 0)
		FROM jobs
	`, string(models.JobStatusCompleted), string(models.JobStatusFailed)).Scan(&st.Total, &st.Completed, &st.Failed, &st.AvgExecTime)
	if err != nil {
		return models.HistoryStats{}, fmt.Errorf("querying job stats: %w", err)
	}
	return st, nil
}

// RecentJobs returns up to limit jobs, newest submission first.
func (s *Store) RecentJobs(limit int) ([]models.JobRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, id, script, priority, status, worker_id, submitted_at, completed_at, exec_time, result_text
		FROM jobs ORDER BY submitted_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent jobs: %w", err)
	}
	defer rows.Close()

	var out = []models.JobRecord{}
	for rows.Next() {
		var (
			r           models.JobRecord
			status      string
			workerID    sql.NullInt64
			submittedAt string
			completedAt sql.NullString
			execTime    sql.NullFloat64
			output      sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.ID, &r.Script, &r.Priority, &status, &workerID, &submittedAt, &completedAt, &execTime, &output); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		r.Status = models.JobStatus(status)
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		if r.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return nil, fmt.Errorf("job %d submitted_at: %w", r.ID, err)
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("job %d completed_at: %w", r.ID, err)
			}
			r.CompletedAt = &t
		}
		if execTime.Valid {
			r.ExecTime = &execTime.Float64
		}
		if output.Valid {
			r.Output = &output.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveWorker inserts or overwrites the worker row.
func (s *Store) SaveWorker(w models.Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (run_id, id, hostname, remote_addr, registered_at, alive)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO UPDATE SET alive = excluded.alive
	`, s.runID, w.ID, w.Hostname, w.RemoteAddr, formatTime(w.RegisteredAt), boolInt(w.Alive))
	if err != nil {
		return fmt.Errorf("saving worker %d: %w", w.ID, err)
	}
	return nil
}

func (s *Store) UpdateWorkerAlive(id int64, alive bool) error {
	_, err := s.db.Exec(`UPDATE workers SET alive = ? WHERE run_id = ? AND id = ?`, boolInt(alive), s.runID, id)
	if err != nil {
		return fmt.Errorf("updating worker %d: %w", id, err)
	}
	return nil
}

// ListEvents returns up to limit events of this run, newest first.
func (s *Store) ListEvents(limit int) ([]models.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, at, type, job_id, worker_id, payload_json
		FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?
	`, s.runID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out = []models.Event{}
	for rows.Next() {
		var (
			e        models.Event
			at       string
			jobID    sql.NullInt64
			workerID sql.NullInt64
			payload  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &at, &e.Type, &jobID, &workerID, &payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("event %d at: %w", e.ID, err)
		}
		if jobID.Valid {
			e.JobID = &jobID.Int64
		}
		if workerID.Valid {
			e.WorkerID = &workerID.Int64
		}
		if payload.Valid {
			e.PayloadJSON = &payload.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertEvents writes a batch of events in one transaction.
func (d *DB) InsertEvents(batch []models.Event) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO events (run_id, at, type, job_id, worker_id, payload_json) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		_, err := stmt.Exec(e.RunID, formatTime(e.At), e.Type, e.JobID, e.WorkerID, e.PayloadJSON)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOneRow(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", jobID, sql.ErrNoRows)
	}
	return nil
}
