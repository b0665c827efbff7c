package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/stt-worker/internal/domain"
)

// JobStore is the part of the job store the operator API uses.
type JobStore interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	ListByStatus(ctx context.Context, status, limit int) ([]string, error)
	Reset(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
	Codes() domain.StatusCodes
}

// StaleFinder reports which processing jobs have no live worker.
type StaleFinder interface {
	Stale(ctx context.Context, processing []string) ([]string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       JobStore
	Presence    StaleFinder // nil when presence tracking is disabled
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	store    JobStore
	presence StaleFinder
	service  string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		presence: deps.Presence,
		service:  deps.ServiceName,
	}
}
