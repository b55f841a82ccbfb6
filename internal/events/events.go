package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/angariumd/gridq/internal/models"
)

const (
	// Submission path
	TypeJobSubmitted = "JOB_SUBMITTED"
	TypeJobRejected  = "JOB_REJECTED"

	// Worker exchange
	TypeJobAssigned  = "JOB_ASSIGNED"
	TypeJobCompleted = "JOB_COMPLETED"
	TypeJobFailed    = "JOB_FAILED"

	// Monitor
	TypeJobTimedOut = "JOB_TIMED_OUT"
	TypeJobRequeued = "JOB_REQUEUED"

	// Workers
	TypeWorkerRegistered = "WORKER_REGISTERED"
	TypeWorkerDead       = "WORKER_DEAD"

	TypeServerShutdown = "SERVER_SHUTDOWN"
)

// Sink persists a batch of events.
type Sink interface {
	InsertEvents(batch []models.Event) error
}

type EventManager struct {
	sink      Sink
	runID     string
	logger    *slog.Logger
	in        chan models.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	batchSize int
	interval  time.Duration
}

func New(sink Sink, runID string, logger *slog.Logger) *EventManager {
	return newManager(sink, runID, logger, 1000, 100, time.Second)
}

func newManager(sink Sink, runID string, logger *slog.Logger, buffer, batchSize int, interval time.Duration) *EventManager {
	em := &EventManager{
		sink:      sink,
		runID:     runID,
		logger:    logger.With("component", "events"),
		in:        make(chan models.Event, buffer),
		done:      make(chan struct{}),
		batchSize: batchSize,
		interval:  interval,
	}

	em.wg.Add(1)
	go em.loop()
	return em
}

// Close flushes buffered events and stops the writer.
func (em *EventManager) Close() {
	em.closeOnce.Do(func() { close(em.done) })
	em.wg.Wait()
}

// Emit queues an event without blocking. Zero ids are omitted.
func (em *EventManager) Emit(eventType string, jobID, workerID int64, payload any) {
	if em == nil {
		return
	}
	var payloadJSON *string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			s := string(b)
			payloadJSON = &s
		}
	}

	evt := models.Event{
		RunID:       em.runID,
		At:          time.Now(),
		Type:        eventType,
		PayloadJSON: payloadJSON,
	}
	if jobID != 0 {
		evt.JobID = &jobID
	}
	if workerID != 0 {
		evt.WorkerID = &workerID
	}

	select {
	case em.in <- evt:
	default:
		// Drop event if buffer is full to prevent blocking
		em.logger.Warn("dropped event, buffer full", "type", eventType)
	}
}

func (em *EventManager) loop() {
	defer em.wg.Done()

	ticker := time.NewTicker(em.interval)
	defer ticker.Stop()

	var batch []models.Event

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := em.sink.InsertEvents(batch); err != nil {
			em.logger.Error("writing event batch failed", "count", len(batch), "error", err)
		}
		batch = make([]models.Event, 0, em.batchSize)
	}

	for {
		select {
		case evt := <-em.in:
			batch = append(batch, evt)
			if len(batch) >= em.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-em.done:
			// Drain what is already buffered before the final flush
		drain:
			for {
				select {
				case evt := <-em.in:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}
