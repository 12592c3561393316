package etl

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobRunning is returned when a foreground operation is requested while
// another one is still in flight.
var ErrJobRunning = errors.New("a foreground operation is already running")

// jobTimeout bounds any single background operation.
const jobTimeout = 30 * time.Minute

// JobStatus is the caller-visible snapshot of a background operation.
type JobStatus struct {
	ID        string     `json:"id"`
	Operation string     `json:"operation"`
	Status    string     `json:"status"` // running, completed, failed
	Message   string     `json:"message,omitempty"`
	Percent   int        `json:"percent"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Runner owns the pipeline's workers: at most one foreground operation at a
// time, plus one silent maintenance goroutine for retention cleanup. It
// never cancels an operation mid-flight; jobs run to completion or failure.
type Runner struct {
	svc *Service

	mu         sync.Mutex
	foreground *JobStatus

	maintenanceOnce sync.Once
}

func NewRunner(svc *Service) *Runner {
	return &Runner{svc: svc}
}

// Start launches fn as the foreground operation. It refuses to start while
// another foreground job is running and returns the new job's id otherwise.
// The job detaches from the caller's lifecycle; poll Current for its state.
func (r *Runner) Start(operation string, fn func(ctx context.Context, progress Progress) (any, error)) (string, error) {
	r.mu.Lock()
	if r.foreground != nil && r.foreground.Status == "running" {
		r.mu.Unlock()
		return "", ErrJobRunning
	}

	job := &JobStatus{
		ID:        uuid.NewString()[:8],
		Operation: operation,
		Status:    "running",
		StartedAt: time.Now(),
	}
	r.foreground = job
	r.mu.Unlock()

	progress := Progress{
		OnText: func(msg string) {
			r.mu.Lock()
			job.Message = msg
			r.mu.Unlock()
		},
		OnPercent: func(pct int) {
			r.mu.Lock()
			job.Percent = pct
			r.mu.Unlock()
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		result, err := fn(ctx, progress)
		ended := time.Now()

		r.mu.Lock()
		job.EndedAt = &ended
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
		} else {
			job.Status = "completed"
			job.Percent = 100
			job.Result = result
		}
		r.mu.Unlock()

		if err != nil {
			log.Printf("[job %s] %s failed: %v", job.ID, operation, err)
		} else {
			log.Printf("[job %s] %s completed in %s", job.ID, operation, ended.Sub(job.StartedAt))
		}
	}()

	return job.ID, nil
}

// Current returns a copy of the most recent foreground job, running or not.
func (r *Runner) Current() (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.foreground == nil {
		return JobStatus{}, false
	}
	return *r.foreground, true
}

// StartMaintenance launches the silent retention worker: one cleanup pass at
// startup, then one per interval. Subsequent calls are no-ops.
func (r *Runner) StartMaintenance(interval time.Duration) {
	r.maintenanceOnce.Do(func() {
		go func() {
			run := func() {
				ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
				defer cancel()
				if _, _, err := r.svc.Cleanup(ctx, Progress{}); err != nil {
					log.Printf("[maintenance] Cleanup failed: %v", err)
				}
			}

			run()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for range ticker.C {
				run()
			}
		}()
	})
}
