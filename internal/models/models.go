package models

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimedOut  JobStatus = "TIMED_OUT"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		return true
	}
	return false
}

const (
	MinPriority = 1
	MaxPriority = 10

	DefaultPriority       = 5
	DefaultTimeoutSeconds = 30
	MaxTimeoutSeconds     = 86400

	MaxScriptSize = 1024
	MaxOutputSize = 2048
)

// JobDraft is what a client submits; the queue fills in the rest.
type JobDraft struct {
	Script         string `json:"script"`
	Priority       int    `json:"priority"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Job struct {
	ID             int64      `json:"id"`
	Script         string     `json:"script"`
	Priority       int        `json:"priority"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Status         JobStatus  `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	AssignedWorker *int64     `json:"assigned_worker,omitempty"`
}

// Timeout returns the job's execution budget.
func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

type Worker struct {
	ID             int64     `json:"id"`
	Hostname       string    `json:"hostname"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	ActiveJobCount int       `json:"active_job_count"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Alive          bool      `json:"alive"`
}

type JobResult struct {
	JobID    int64   `json:"job_id"`
	Success  bool    `json:"success"`
	ExecTime float64 `json:"exec_time"`
	Output   string  `json:"output"`
}

// QueueStats is a point-in-time snapshot of the in-memory queue.
type QueueStats struct {
	Total     int64 `json:"total"`
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// HistoryStats is computed from the persistent job history.
type HistoryStats struct {
	Total       int64   `json:"total"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	AvgExecTime float64 `json:"avg_exec_time"`
}

type Event struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	JobID       *int64    `json:"job_id,omitempty"`
	WorkerID    *int64    `json:"worker_id,omitempty"`
	PayloadJSON *string   `json:"payload_json,omitempty"`
}

// JobRecord is a row of persisted job history.
type JobRecord struct {
	RunID       string     `json:"run_id"`
	ID          int64      `json:"id"`
	Script      string     `json:"script"`
	Priority    int        `json:"priority"`
	Status      JobStatus  `json:"status"`
	WorkerID    *int64     `json:"worker_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExecTime    *float64   `json:"exec_time,omitempty"`
	Output      *string    `json:"output,omitempty"`
}

// Admin API payloads.

type StatsResponse struct {
	Queue        QueueStats `json:"queue"`
	WorkersAlive int        `json:"workers_alive"`
	WorkersTotal int        `json:"workers_total"`
}

type JobsResponse struct {
	Pending []Job `json:"pending"`
	Running []Job `json:"running"`
}

type HistoryResponse struct {
	RunID  string       `json:"run_id"`
	Stats  HistoryStats `json:"stats"`
	Recent []JobRecord  `json:"recent"`
}
