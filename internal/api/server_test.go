package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/activity"
	"nudge/internal/domain"
	"nudge/internal/ledger"
	"nudge/internal/metrics"
	"nudge/internal/scheduler"
	"nudge/internal/timeparse"
)

var seoul = time.FixedZone("KST", 9*3600)

type fakeTasks struct {
	mu      sync.Mutex
	done    map[string]bool
	writes  int
	fail    bool
	created []string
}

func (f *fakeTasks) MarkComplete(_ context.Context, id string, done bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false
	}
	if f.done[id] != done {
		f.done[id] = done
		f.writes++
	}
	return true
}

func (f *fakeTasks) CreateTask(_ context.Context, title string, due time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("store unavailable")
	}
	f.created = append(f.created, title)
	return "page-new", nil
}

func (f *fakeTasks) setFail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = true
}

func (f *fakeTasks) stats() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes, append([]string(nil), f.created...)
}

type harness struct {
	srv   *httptest.Server
	tasks *fakeTasks
	state *activity.State
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	zerolog.SetGlobalLevel(zerolog.Disabled)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, ledger.EnsureSchema(db))
	repo := ledger.NewSQLiteRepo(db)

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	svc := scheduler.NewService(seoul, repo, m)
	t.Cleanup(func() { <-svc.Shutdown().Done() })
	require.NoError(t, svc.Register(scheduler.Job{ID: "reminders-specific", Trigger: scheduler.Every(5 * time.Minute), Run: func(context.Context) error { return nil }}))
	require.NoError(t, svc.Register(scheduler.Job{ID: "reset-recurring", Trigger: scheduler.At(0, 1), Run: func(context.Context) error {
		return errors.New("1 task failed")
	}}))

	h := &harness{
		tasks: &fakeTasks{done: map[string]bool{}},
		state: activity.NewState(time.Date(2024, 1, 1, 0, 0, 0, 0, seoul)),
		now:   time.Date(2024, 1, 10, 8, 0, 0, 0, seoul),
	}
	h.srv = httptest.NewServer(NewServer(Deps{
		Jobs:     svc,
		Ledger:   repo,
		Tasks:    h.tasks,
		Parser:   timeparse.New(seoul, domain.TimeOfDay{Hour: 9}),
		Activity: h.state,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Now:      func() time.Time { return h.now },
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, []byte(buf.String())
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestJobs_ListAndRun(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []scheduler.EntryInfo
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "reminders-specific", entries[0].ID)
	assert.Equal(t, "reset-recurring", entries[1].ID)
	assert.True(t, entries[1].Next.Equal(time.Date(2024, 1, 11, 0, 1, 0, 0, seoul)))

	resp, body = h.do(t, http.MethodPost, "/api/jobs/reset-recurring/run", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":false`)

	resp, _ = h.do(t, http.MethodPost, "/api/jobs/nope/run", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/jobs/reset-recurring/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []jobRunResp
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "1 task failed", runs[0].Error)

	_, body = h.do(t, http.MethodGet, "/metrics", "")
	assert.Contains(t, string(body), `nudge_scheduler_job_runs_total{job="reset-recurring",status="error"} 1`)
}

func TestDeliveries_Empty(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/api/deliveries?limit=5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestActivity_Touch(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodPost, "/api/activity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	last, ok := h.state.LastActive()
	require.True(t, ok)
	assert.True(t, last.Equal(h.now))
}

func TestMarkDone_Idempotent(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		resp, body := h.do(t, http.MethodPost, "/api/tasks/p1/done", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"id":"p1","done":true}`, string(body))
	}
	writes, _ := h.tasks.stats()
	assert.Equal(t, 1, writes)

	h.tasks.setFail()
	resp, _ := h.do(t, http.MethodPost, "/api/tasks/p1/done", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/tasks", `{"title":"dentist","when":"next Monday 3pm"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out createTaskResp
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "page-new", out.ID)
	assert.Equal(t, "2024-01-15T15:00:00+09:00", out.Due)
	_, created := h.tasks.stats()
	assert.Equal(t, []string{"dentist"}, created)

	resp, body = h.do(t, http.MethodPost, "/api/tasks", `{"title":"dentist","when":"blah blah"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "unparseable date")

	resp, _ = h.do(t, http.MethodPost, "/api/tasks", `{"title":"  ","when":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/tasks", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.tasks.setFail()
	resp, _ = h.do(t, http.MethodPost, "/api/tasks", `{"title":"dentist","when":"tomorrow"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
