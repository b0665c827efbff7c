// Package notify publishes job outcome events after terminal commits.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Event is the message body published for each finished job.
type Event struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"worker_id"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher sends an encoded message. *rabbitmq.Client satisfies it.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Notifier turns job outcomes into events.
type Notifier struct {
	publisher Publisher
	workerID  string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Notifier that stamps events with workerID.
func New(publisher Publisher, workerID string, logger *slog.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		workerID:  workerID,
		logger:    logger,
		now:       time.Now,
	}
}

// JobFinished publishes an event for a job that reached status.
func (n *Notifier) JobFinished(ctx context.Context, jobID, status string) error {
	event := Event{
		ID:         jobID,
		Status:     status,
		WorkerID:   n.workerID,
		FinishedAt: n.now().UTC(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode outcome event: %w", err)
	}

	if err := n.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish outcome event for job %s: %w", jobID, err)
	}

	n.logger.Debug("Outcome event published",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}
