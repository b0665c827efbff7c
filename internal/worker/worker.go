// Package worker runs the claim → fetch → transcribe → assemble → commit loop.
//
// One Worker processes one job at a time. Parallelism comes from running more
// worker processes against the same job table; the store keeps them apart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/cuongbtq/stt-worker/internal/subtitle"
	"github.com/google/uuid"
)

// Default loop settings.
const (
	DefaultIdleInterval     = 30 * time.Second
	DefaultDiagnosticFrames = 5
)

// Store is the claim/commit half of the job store used by the loop.
type Store interface {
	ClaimNext(ctx context.Context) (string, error)
	CommitSuccess(ctx context.Context, id, document string) error
	CommitFailure(ctx context.Context, id, diagnostic string) error
}

// Fetcher downloads a job's source audio into dir.
type Fetcher interface {
	Fetch(ctx context.Context, jobID, dir string) (string, error)
}

// Transcriber turns an audio file into timed segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]subtitle.Segment, error)
}

// Notifier is told about every job that reached a terminal status.
type Notifier interface {
	JobFinished(ctx context.Context, jobID, status string) error
}

// Presence advertises the job a worker is running while it runs.
type Presence interface {
	Hold(ctx context.Context, workerID, jobID string) (stop func())
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Store       Store
	Fetcher     Fetcher
	Transcriber Transcriber
	// Notifier and Presence are optional.
	Notifier Notifier
	Presence Presence

	WorkerID         string
	IdleInterval     time.Duration
	DiagnosticFrames int
	// TempDir is the parent of per-job scratch directories; empty means os.TempDir().
	TempDir string
}

// Worker represents the transcription worker loop
type Worker struct {
	logger      *slog.Logger
	store       Store
	fetcher     Fetcher
	transcriber Transcriber
	notifier    Notifier
	presence    Presence

	workerID     string
	idleInterval time.Duration
	frames       int
	tempDir      string
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = NewWorkerID()
	}
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	frames := cfg.DiagnosticFrames
	if frames <= 0 {
		frames = DefaultDiagnosticFrames
	}

	return &Worker{
		logger:       cfg.Logger.With(slog.String("worker_id", workerID)),
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		transcriber:  cfg.Transcriber,
		notifier:     cfg.Notifier,
		presence:     cfg.Presence,
		workerID:     workerID,
		idleInterval: idle,
		frames:       frames,
		tempDir:      cfg.TempDir,
	}
}

// NewWorkerID returns "<hostname>-<8 hex chars>".
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// ID returns the worker id used in logs, presence keys and events.
func (w *Worker) ID() string {
	return w.workerID
}

// Run claims and processes jobs until ctx is canceled. A job that has been
// claimed always runs to its commit, even after cancellation. Run returns nil
// on shutdown and an error wrapping domain.ErrStoreUnavailable when the job
// store cannot be used.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Duration("idle_interval", w.idleInterval),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil && !processed {
				// claim interrupted by shutdown
				w.logger.Info("Worker context canceled, stopping...")
				return nil
			}
			w.logger.Error("Job store unavailable, stopping worker", slog.Any("error", err))
			return err
		}
		if processed {
			continue
		}

		w.logger.Debug("No pending job, idling", slog.Duration("interval", w.idleInterval))
		timer := time.NewTimer(w.idleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one job and drives it to a commit. It reports
// whether a job was claimed. Only store failures are returned; job failures
// are committed as failed rows.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	jobID, err := w.store.ClaimNext(ctx)
	if errors.Is(err, domain.ErrNoPendingJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}

	w.logger.Info("Job claimed successfully", slog.String("job_id", jobID))

	// no cancellation between claim and commit
	jobCtx := context.WithoutCancel(ctx)

	if w.presence != nil {
		stop := w.presence.Hold(jobCtx, w.workerID, jobID)
		defer stop()
	}

	start := time.Now()
	out := w.execute(jobCtx, jobID)
	return true, w.commit(jobCtx, out, time.Since(start))
}

// commit records the outcome. Commits rejected because the row left
// processing are logged and skipped.
func (w *Worker) commit(ctx context.Context, out Outcome, elapsed time.Duration) error {
	logger := w.logger.With(slog.String("job_id", out.JobID))

	var (
		status string
		err    error
	)
	if out.Err == nil {
		status = "done"
		err = w.store.CommitSuccess(ctx, out.JobID, out.Document)
	} else {
		status = "failed"
		logger.Error("Job execution failed",
			slog.String("stage", out.Stage),
			slog.Any("error", out.Err),
		)
		err = w.store.CommitFailure(ctx, out.JobID, out.Diagnostic(w.frames))
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fmt.Errorf("commit job %s as %s: %w", out.JobID, status, err)
	default:
		logger.Warn("Commit rejected, job left processing elsewhere",
			slog.String("status", status),
			slog.Any("error", err),
		)
		return nil
	}

	if status == "done" {
		logger.Info("Job completed successfully", slog.Duration("duration", elapsed))
	} else {
		logger.Info("Job marked failed", slog.Duration("duration", elapsed))
	}

	if w.notifier != nil {
		if err := w.notifier.JobFinished(ctx, out.JobID, status); err != nil {
			logger.Warn("Failed to publish outcome event", slog.Any("error", err))
		}
	}
	return nil
}
