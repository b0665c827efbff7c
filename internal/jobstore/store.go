// Package jobstore implements the claim and commit protocol over the shared
// recording table.
//
// A claim selects one pending row, marks it processing and commits before
// returning, so a row is never held across the slow fetch and transcription
// calls. Concurrent claimers never receive the same row: on PostgreSQL the
// candidate is selected with FOR UPDATE SKIP LOCKED, so rows locked by an
// in-flight claim are skipped instead of waited on; on SQLite the whole
// select-and-mark is one status-guarded UPDATE under an immediate transaction.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Dialect selects the claim strategy.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DefaultMaxDiagnosticBytes bounds stored failure diagnostics.
const DefaultMaxDiagnosticBytes = 8192

// Config holds job store settings
type Config struct {
	Schema             Schema
	Codes              domain.StatusCodes
	MaxDiagnosticBytes int
}

// Store handles all job table operations for workers and operators
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	schema  Schema
	codes   domain.StatusCodes
	q       queries
	maxDiag int
	logger  *slog.Logger
}

// New creates a Store. The dialect is derived from the sqlx driver name.
func New(db *sqlx.DB, cfg Config, logger *slog.Logger) (*Store, error) {
	var dialect Dialect
	switch db.DriverName() {
	case "postgres", "pgx":
		dialect = DialectPostgres
	case "sqlite", "sqlite3":
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.DriverName())
	}

	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job table schema: %w", err)
	}
	if dialect == DialectSQLite && strings.Contains(cfg.Schema.Table, ".") {
		return nil, fmt.Errorf("sqlite job table must not be schema-qualified: %q", cfg.Schema.Table)
	}
	if !cfg.Codes.Distinct() {
		return nil, fmt.Errorf("status codes must be distinct: %+v", cfg.Codes)
	}

	maxDiag := cfg.MaxDiagnosticBytes
	if maxDiag <= 0 {
		maxDiag = DefaultMaxDiagnosticBytes
	}

	return &Store{
		db:      db,
		dialect: dialect,
		schema:  cfg.Schema,
		codes:   cfg.Codes,
		q:       buildQueries(cfg.Schema),
		maxDiag: maxDiag,
		logger:  logger,
	}, nil
}

// Codes returns the status encoding used by the store.
func (s *Store) Codes() domain.StatusCodes {
	return s.codes
}

// ClaimNext atomically moves the lowest-id pending row to processing and
// returns its id. It returns domain.ErrNoPendingJob when nothing is pending and
// an error wrapping domain.ErrStoreUnavailable when the database cannot be used.
func (s *Store) ClaimNext(ctx context.Context) (string, error) {
	var (
		id  string
		err error
	)
	switch s.dialect {
	case DialectPostgres:
		id, err = s.claimSkipLocked(ctx)
	default:
		id, err = s.claimGuarded(ctx)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", id),
	)
	return id, nil
}

// claimSkipLocked locks one pending candidate, skipping rows other claimers hold.
func (s *Store) claimSkipLocked(ctx context.Context) (string, error) {
	var id string
	err := s.withTx(ctx, "claim", func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &id, s.db.Rebind(s.q.selectPendingForUpdate), s.codes.Pending); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNoPendingJob
			}
			return storeErr("select pending job", err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(s.q.markProcessing), s.codes.Processing, id); err != nil {
			return storeErr("mark job processing", err)
		}
		return nil
	})
	return id, err
}

// claimGuarded selects and marks in one UPDATE guarded by the pending status.
func (s *Store) claimGuarded(ctx context.Context) (string, error) {
	var id string
	err := s.withTx(ctx, "claim", func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id, s.db.Rebind(s.q.claimGuarded),
			s.codes.Processing, s.codes.Pending, s.codes.Pending)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNoPendingJob
			}
			return storeErr("claim pending job", err)
		}
		return nil
	})
	return id, err
}

// CommitSuccess marks a processing job done, stores the document and clears any error detail.
func (s *Store) CommitSuccess(ctx context.Context, id, document string) error {
	err := s.withTx(ctx, "commit success", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.Rebind(s.q.commitSuccess),
			s.codes.Done, document, id, s.codes.Processing)
		if err != nil {
			return storeErr("commit success", err)
		}
		return s.requireRow(ctx, tx, res, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job committed",
		slog.String("job_id", id),
		slog.String("status", "done"),
		slog.Int("result_bytes", len(document)),
	)
	return nil
}

// CommitFailure marks a job failed with a bounded diagnostic and clears any result.
// A job that is already failed is overwritten, so the latest diagnostic wins.
func (s *Store) CommitFailure(ctx context.Context, id, diagnostic string) error {
	detail := BoundDiagnostic(diagnostic, s.maxDiag)
	err := s.withTx(ctx, "commit failure", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.Rebind(s.q.commitFailure),
			s.codes.Failed, detail, id, s.codes.Processing, s.codes.Failed)
		if err != nil {
			return storeErr("commit failure", err)
		}
		return s.requireRow(ctx, tx, res, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job committed",
		slog.String("job_id", id),
		slog.String("status", "failed"),
		slog.Int("diagnostic_bytes", len(detail)),
	)
	return nil
}

// Reset returns a processing or failed job to pending. Done and pending rows are left untouched.
func (s *Store) Reset(ctx context.Context, id string) error {
	err := s.withTx(ctx, "reset", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.Rebind(s.q.reset),
			s.codes.Pending, id, s.codes.Processing, s.codes.Failed)
		if err != nil {
			return storeErr("reset job", err)
		}
		if err := s.requireRow(ctx, tx, res, id); err != nil {
			if errors.Is(err, domain.ErrJobNotOwned) {
				return fmt.Errorf("%w: job %s is not processing or failed", domain.ErrInvalidTransition, id)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job reset to pending",
		slog.String("job_id", id),
	)
	return nil
}

// Get reads one job.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.GetContext(ctx, &job, s.db.Rebind(s.q.get), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	job.StatusName = s.codes.Name(job.Status)
	return &job, nil
}

// ListByStatus returns up to limit job ids with the given status code, lowest id first.
func (s *Store) ListByStatus(ctx context.Context, status, limit int) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(s.q.listByStatus), status, limit); err != nil {
		return nil, storeErr("list jobs", err)
	}
	return ids, nil
}

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return storeErr("health check", err)
	}
	return nil
}

// requireRow maps a zero-row commit to ErrJobNotFound or ErrJobNotOwned.
func (s *Store) requireRow(ctx context.Context, tx *sqlx.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var status int
	err = tx.GetContext(ctx, &status, s.db.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?", s.schema.StatusColumn, s.schema.Table, s.schema.IDColumn)), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return storeErr("read job status", err)
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotOwned, id, s.codes.Name(status))
}

// withTx runs fn in its own transaction. Sentinel results from fn still commit,
// so a claim that finds no work releases its snapshot cleanly.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin "+op+" transaction", err)
	}

	fnErr := fn(tx)
	if fnErr != nil && !isBenign(fnErr) {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back transaction",
				slog.String("op", op),
				slog.Any("error", rbErr),
			)
		}
		return fnErr
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit "+op+" transaction", err)
	}
	return fnErr
}

func isBenign(err error) bool {
	return errors.Is(err, domain.ErrNoPendingJob) ||
		errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrJobNotOwned)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
