package jobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/cuongbtq/stt-worker/shared/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSchema() Schema {
	s := DefaultSchema()
	s.Table = "meet_recording"
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sqlite.Open(&sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := New(db, Config{
		Schema: testSchema(),
		Codes:  domain.DefaultStatusCodes(),
	}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func seed(t *testing.T, s *Store, ids ...int) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.InsertPending(context.Background(), strconv.Itoa(id)))
	}
}

func TestStore_ClaimNext(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 7, 3, 42)

	id, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	job, err := store.Get(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, job.Status)
	assert.Equal(t, "processing", job.StatusName)

	id, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}

func TestStore_ClaimNext_NoWork(t *testing.T) {
	store := newTestStore(t)

	id, err := store.ClaimNext(context.Background())
	require.ErrorIs(t, err, domain.ErrNoPendingJob)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Empty(t, id)
}

func TestStore_ClaimNext_ExclusiveUnderContention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 42)

	const claimers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		noWork  int
		others  []error
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id, err := store.ClaimNext(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed = append(claimed, id)
			case errors.Is(err, domain.ErrNoPendingJob):
				noWork++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, []string{"42"}, claimed)
	assert.Equal(t, claimers-1, noWork)
}

func TestStore_ClaimNext_FansOutWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const jobs = 40
	for i := 1; i <= jobs; i++ {
		seed(t, store, i)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := store.ClaimNext(ctx)
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrNoPendingJob)
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestStore_TerminalJobsAreNeverReclaimed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 1, 2)

	first, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	second, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CommitSuccess(ctx, first, "WEBVTT\n"))
	require.NoError(t, store.CommitFailure(ctx, second, "boom"))

	_, err = store.ClaimNext(ctx)
	assert.ErrorIs(t, err, domain.ErrNoPendingJob)
}

func TestStore_CommitSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 5)

	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CommitSuccess(ctx, "5", "WEBVTT\n\n1\n00:00:00.000 --> 00:00:01.000\nhi\n"))

	job, err := store.Get(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "done", job.StatusName)
	require.NotNil(t, job.ResultText)
	assert.Contains(t, *job.ResultText, "hi")
	assert.Nil(t, job.ErrorDetail)
}

func TestStore_CommitSuccess_RequiresProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 5)

	err := store.CommitSuccess(ctx, "5", "WEBVTT\n")
	assert.ErrorIs(t, err, domain.ErrJobNotOwned)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)

	err = store.CommitSuccess(ctx, "404", "WEBVTT\n")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	job, err := store.Get(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "pending", job.StatusName)
}

func TestStore_CommitFailure_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 9)

	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CommitFailure(ctx, "9", "first failure"))
	require.NoError(t, store.CommitFailure(ctx, "9", "second failure"))

	job, err := store.Get(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "failed", job.StatusName)
	require.NotNil(t, job.ErrorDetail)
	assert.Equal(t, "second failure", *job.ErrorDetail)
	assert.Nil(t, job.ResultText)
}

func TestStore_CommitFailure_BoundsDiagnostic(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(&sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, discardLogger())
	require.NoError(t, err)
	defer db.Close()

	store, err := New(db, Config{Schema: testSchema(), Codes: domain.DefaultStatusCodes(), MaxDiagnosticBytes: 64}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	seed(t, store, 1)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CommitFailure(ctx, "1", strings.Repeat("x", 1000)+"\x00"))

	job, err := store.Get(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, job.ErrorDetail)
	assert.LessOrEqual(t, len(*job.ErrorDetail), 64)
	assert.True(t, strings.HasSuffix(*job.ErrorDetail, truncatedMarker))
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 1, 2, 3)

	for i := 0; i < 3; i++ {
		_, err := store.ClaimNext(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, store.CommitFailure(ctx, "1", "boom"))
	require.NoError(t, store.CommitSuccess(ctx, "2", "WEBVTT\n"))

	t.Run("failed job returns to pending", func(t *testing.T) {
		require.NoError(t, store.Reset(ctx, "1"))
		job, err := store.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "pending", job.StatusName)
		assert.Nil(t, job.ErrorDetail)
	})

	t.Run("stuck processing job returns to pending", func(t *testing.T) {
		require.NoError(t, store.Reset(ctx, "3"))
		id, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1", id)
	})

	t.Run("done job cannot be reset", func(t *testing.T) {
		err := store.Reset(ctx, "2")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown job", func(t *testing.T) {
		err := store.Reset(ctx, "999")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 30, 10, 20)

	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	pending, err := store.ListByStatus(ctx, domain.StatusPending, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"20", "30"}, pending)

	processing, err := store.ListByStatus(ctx, domain.StatusProcessing, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, processing)

	limited, err := store.ListByStatus(ctx, domain.StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)

	job, err := store.Get(context.Background(), "1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.Nil(t, job)
}

func TestStore_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(&sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, discardLogger())
	require.NoError(t, err)

	store, err := New(db, Config{Schema: testSchema(), Codes: domain.DefaultStatusCodes()}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, db.Close())

	_, err = store.ClaimNext(ctx)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrNoPendingJob)

	assert.ErrorIs(t, store.CommitSuccess(ctx, "1", "x"), domain.ErrStoreUnavailable)
	assert.ErrorIs(t, store.CommitFailure(ctx, "1", "x"), domain.ErrStoreUnavailable)
	assert.ErrorIs(t, store.HealthCheck(ctx), domain.ErrStoreUnavailable)
}

func TestNew_Validation(t *testing.T) {
	db, err := sqlite.Open(&sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, discardLogger())
	require.NoError(t, err)
	defer db.Close()

	tests := []struct {
		name      string
		cfg       Config
		errString string
	}{
		{
			name:      "injected table name",
			cfg:       Config{Schema: Schema{Table: "jobs; DROP TABLE x", IDColumn: "id", StatusColumn: "status", ResultColumn: "r", ErrorColumn: "e"}, Codes: domain.DefaultStatusCodes()},
			errString: "invalid table",
		},
		{
			name:      "qualified table on sqlite",
			cfg:       Config{Schema: DefaultSchema(), Codes: domain.DefaultStatusCodes()},
			errString: "must not be schema-qualified",
		},
		{
			name:      "duplicate status codes",
			cfg:       Config{Schema: testSchema(), Codes: domain.StatusCodes{Pending: 1, Processing: 1, Done: 2, Failed: 3}},
			errString: "status codes must be distinct",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(db, tt.cfg, discardLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
			assert.Nil(t, store)
		})
	}
}

func TestBuildQueries_PostgresClaimSkipsLockedRows(t *testing.T) {
	q := buildQueries(DefaultSchema())

	assert.Contains(t, q.selectPendingForUpdate, "FROM ims.meet_recording")
	assert.Contains(t, q.selectPendingForUpdate, "ORDER BY id")
	assert.Contains(t, q.selectPendingForUpdate, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, q.commitSuccess, "stacktrace = NULL")
	assert.Contains(t, q.commitFailure, "web_vtt = NULL")
}

func TestSchema_Validate(t *testing.T) {
	require.NoError(t, DefaultSchema().Validate())

	s := DefaultSchema()
	s.ResultColumn = "web-vtt"
	assert.Error(t, s.Validate())
}
