package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/logging"
	"github.com/aristath/stagerun/internal/persistence"
	"github.com/aristath/stagerun/internal/pipeline"
)

func newTestServer(t *testing.T) (*httptest.Server, *persistence.SQLiteStore) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(NewServer(store, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func saveRun(t *testing.T, store persistence.Store, id string, started time.Time) {
	t.Helper()
	report := &engine.RunReport{
		RunID:      id,
		Pipeline:   "release",
		Result:     pipeline.ResultSuccess,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Stages:     []engine.StageOutcome{{Name: "build", Status: pipeline.StageSucceeded}},
		Artifacts:  map[string]string{},
	}
	require.NoError(t, store.SaveReport(context.Background(), report))
}

func get(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns(t *testing.T) {
	srv, store := newTestServer(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	saveRun(t, store, "first", base)
	saveRun(t, store, "second", base.Add(time.Hour))
	saveRun(t, store, "third", base.Add(2*time.Hour))

	var runs []persistence.RunSummary
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/runs", &runs))
	require.Len(t, runs, 3)
	assert.Equal(t, "third", runs[0].RunID)
	assert.Equal(t, pipeline.ResultSuccess, runs[0].Result)

	runs = nil
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/runs?limit=1", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "third", runs[0].RunID)
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)
	var runs []persistence.RunSummary
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/runs", &runs))
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestListRuns_BadLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, q := range []string{"abc", "0", "-3"} {
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, get(t, srv.URL+"/runs?limit="+q, &body), "limit=%s", q)
		assert.Contains(t, body["error"], "limit")
	}
}

func TestGetRun(t *testing.T) {
	srv, store := newTestServer(t)
	saveRun(t, store, "run-42", time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	var report engine.RunReport
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/runs/run-42", &report))
	assert.Equal(t, "run-42", report.RunID)
	assert.Equal(t, "release", report.Pipeline)
	require.Len(t, report.Stages, 1)
	assert.Equal(t, pipeline.StageSucceeded, report.Stages[0].Status)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/runs/nope", &body))
	assert.Contains(t, body["error"], "nope")
}

type brokenStore struct{ persistence.Store }

func (brokenStore) ListRuns(context.Context, int) ([]persistence.RunSummary, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) GetReport(context.Context, string) (*engine.RunReport, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreErrorsAreInternal(t *testing.T) {
	srv := httptest.NewServer(NewServer(brokenStore{}, nil).Handler())
	defer srv.Close()

	var body map[string]string
	assert.Equal(t, http.StatusInternalServerError, get(t, srv.URL+"/runs", &body))
	assert.NotContains(t, body["error"], "disk on fire")
	assert.Equal(t, http.StatusInternalServerError, get(t, srv.URL+"/runs/x", &body))
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(store, nil).ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestWriteJSON_LogsEncodeError(t *testing.T) {
	var buf bytes.Buffer
	s := NewServer(nil, logging.NewWithWriter(&buf, "debug", nil))

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "writing response failed")
}
