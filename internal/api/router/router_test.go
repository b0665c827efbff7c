package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/stt-worker/internal/api/dto"
	"github.com/cuongbtq/stt-worker/internal/api/handler"
	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/cuongbtq/stt-worker/internal/jobstore"
	"github.com/cuongbtq/stt-worker/shared/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	running map[string]bool
	err     error
}

func (p *fakePresence) Stale(_ context.Context, processing []string) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	stale := []string{}
	for _, id := range processing {
		if !p.running[id] {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

type fixture struct {
	db     *sqlx.DB
	store  *jobstore.Store
	router *gin.Engine
}

func newFixture(t *testing.T, presence handler.StaleFinder) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.Open(&sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema := jobstore.DefaultSchema()
	schema.Table = "meet_recording"
	store, err := jobstore.New(db, jobstore.Config{Schema: schema, Codes: domain.DefaultStatusCodes()}, logger)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))

	deps := &handler.Dependencies{Logger: logger, Store: store, ServiceName: "stt-api-service"}
	if presence != nil {
		deps.Presence = presence
	}
	return &fixture{db: db, store: store, router: SetupRouter(deps)}
}

// seed creates jobs 1..4 as pending, processing, done and failed.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, f.store.InsertPending(ctx, id))
	}
	for i := 0; i < 4; i++ {
		_, err := f.store.ClaimNext(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.Reset(ctx, "1"))
	require.NoError(t, f.store.CommitSuccess(ctx, "3", "WEBVTT\n"))
	require.NoError(t, f.store.CommitFailure(ctx, "4", "transcribe: boom"))
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"stt-api-service"}`, rec.Body.String())

	require.NoError(t, f.db.Close())
	rec = f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/3")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[dto.JobResponse](t, rec)
	assert.Equal(t, "3", job.ID)
	assert.Equal(t, "done", job.Status)
	require.NotNil(t, job.ResultText)
	assert.Equal(t, "WEBVTT\n", *job.ResultText)
	assert.Nil(t, job.ErrorDetail)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/4")
	require.Equal(t, http.StatusOK, rec.Code)
	job = decode[dto.JobResponse](t, rec)
	assert.Equal(t, "failed", job.Status)
	require.NotNil(t, job.ErrorDetail)
	assert.Equal(t, "transcribe: boom", *job.ErrorDetail)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", decode[dto.ErrorResponse](t, rec).Error)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)
	require.NoError(t, f.store.InsertPending(context.Background(), "5"))

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantIDs   []string
		wantLimit int
	}{
		{name: "pending", query: "status=pending", wantCode: http.StatusOK, wantIDs: []string{"1", "5"}, wantLimit: handler.DefaultListLimit},
		{name: "processing", query: "status=processing", wantCode: http.StatusOK, wantIDs: []string{"2"}, wantLimit: handler.DefaultListLimit},
		{name: "limit", query: "status=pending&limit=1", wantCode: http.StatusOK, wantIDs: []string{"1"}, wantLimit: 1},
		{name: "limit capped", query: "status=done&limit=10000", wantCode: http.StatusOK, wantIDs: []string{"3"}, wantLimit: handler.MaxListLimit},
		{name: "missing status", query: "", wantCode: http.StatusBadRequest},
		{name: "unknown status", query: "status=queued", wantCode: http.StatusBadRequest},
		{name: "negative limit", query: "status=done&limit=-1", wantCode: http.StatusBadRequest},
		{name: "non-numeric limit", query: "status=done&limit=ten", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/jobs?"+tt.query)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			resp := decode[dto.ListJobsResponse](t, rec)
			assert.Equal(t, tt.wantIDs, resp.IDs)
			assert.Equal(t, len(tt.wantIDs), resp.Count)
			assert.Equal(t, tt.wantLimit, resp.Limit)
		})
	}
}

func TestResetJob(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	tests := []struct {
		name       string
		id         string
		wantCode   int
		wantStatus string
	}{
		{name: "processing job", id: "2", wantCode: http.StatusOK, wantStatus: "pending"},
		{name: "failed job", id: "4", wantCode: http.StatusOK, wantStatus: "pending"},
		{name: "done job", id: "3", wantCode: http.StatusConflict},
		{name: "pending job", id: "1", wantCode: http.StatusConflict},
		{name: "unknown job", id: "999", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+tt.id+"/reset")
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantStatus, decode[dto.JobResponse](t, rec).Status)

			job, err := f.store.Get(context.Background(), tt.id)
			require.NoError(t, err)
			assert.Equal(t, "pending", job.StatusName)
			assert.Nil(t, job.ResultText)
			assert.Nil(t, job.ErrorDetail)
		})
	}
}

func TestListStaleJobs(t *testing.T) {
	t.Run("presence disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.do(t, http.MethodGet, "/api/v1/jobs/stale")
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("reports processing jobs without a worker", func(t *testing.T) {
		f := newFixture(t, &fakePresence{running: map[string]bool{"2": true}})
		ctx := context.Background()
		for _, id := range []string{"2", "7", "8"} {
			require.NoError(t, f.store.InsertPending(ctx, id))
			_, err := f.store.ClaimNext(ctx)
			require.NoError(t, err)
		}

		rec := f.do(t, http.MethodGet, "/api/v1/jobs/stale")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[dto.StaleJobsResponse](t, rec)
		assert.Equal(t, []string{"7", "8"}, resp.IDs)
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("presence unavailable", func(t *testing.T) {
		f := newFixture(t, &fakePresence{err: errors.New("dial tcp: connection refused")})
		rec := f.do(t, http.MethodGet, "/api/v1/jobs/stale")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodOptions, "/api/v1/jobs")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
