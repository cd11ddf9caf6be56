package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsketch/diagen/internal/adapter/ai"
	"github.com/cloudsketch/diagen/internal/adapter/eventbus"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
	"github.com/cloudsketch/diagen/internal/service/quota"
	"github.com/cloudsketch/diagen/internal/service/scheduler"
	"github.com/cloudsketch/diagen/internal/usecase"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]domain.Job{}} }

func (m *memJobs) Create(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return domain.ErrConflict
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memJobs) UpdateState(_ context.Context, id string, state domain.JobState, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.State.Terminal() {
		return domain.ErrConflict
	}
	j.State = state
	j.Attempts = attempts
	m.jobs[id] = j
	return nil
}

func (m *memJobs) Complete(_ context.Context, id string, res domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.State.Terminal() {
		return domain.ErrConflict
	}
	j.State = domain.JobCompleted
	j.Result = &res
	m.jobs[id] = j
	return nil
}

func (m *memJobs) Fail(_ context.Context, id string, kind domain.ErrorKind, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.State.Terminal() {
		return domain.ErrConflict
	}
	j.State = domain.JobFailed
	j.ErrorKind = kind
	j.ErrorMsg = msg
	m.jobs[id] = j
	return nil
}

func (m *memJobs) MarkCancelled(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.State.Terminal() {
		return false, nil
	}
	j.State = domain.JobCancelled
	m.jobs[id] = j
	return true, nil
}

func (m *memJobs) ListActive(context.Context) ([]domain.Job, error) { return nil, nil }

func (m *memJobs) CountActiveBySubject(_ context.Context, subject string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Subject == subject && !j.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) CountAdmittedSince(_ context.Context, subject string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Subject == subject && !j.AdmittedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type memUsage struct{}

func (memUsage) Append(context.Context, domain.UsageRecord) error { return nil }
func (memUsage) TokensSince(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}
func (memUsage) GetByJobID(context.Context, string) (domain.UsageRecord, error) {
	return domain.UsageRecord{}, domain.ErrNotFound
}

type noopCanceller struct{}

func (noopCanceller) CancelInFlight(string) bool { return false }

type serverFixture struct {
	jobs   *memJobs
	router chi.Router
}

func newServerFixture(t *testing.T, caps config.TierTable, maxQueueSize int) *serverFixture {
	t.Helper()
	cfg := config.Config{
		MaxQueueSize:   maxQueueSize,
		AvgJobDuration: 30 * time.Second,
	}
	jobs := newMemJobs()
	bus := eventbus.New(nil)
	sched := scheduler.New(maxQueueSize)
	ev := quota.NewEvaluator(caps, jobs, memUsage{},
		quota.NewAggregateCache(nil, time.Minute), quota.NewMinuteWindow(time.Millisecond),
		sched.Depth, maxQueueSize, 0, 0)
	est := ai.NewEstimator("gpt-4", 64)
	broker := usecase.NewBroker(cfg, caps, jobs, bus, sched, ev, est, noopCanceller{})
	srv := NewServer(cfg, broker, bus)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(map[string]string{
			"alice-key": "t2",
			"bob-key":   "t2",
			"free-key":  "t0",
		}))
		r.Post("/v1/diagrams", srv.SubmitHandler())
		r.Get("/v1/diagrams/{id}", srv.QueryHandler())
		r.Delete("/v1/diagrams/{id}", srv.CancelHandler())
		r.Get("/v1/diagrams/{id}/events", srv.EventsHandler())
	})
	return &serverFixture{jobs: jobs, router: r}
}

func doJSON(t *testing.T, router chi.Router, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func submitOne(t *testing.T, f *serverFixture, token string) string {
	t.Helper()
	rec := doJSON(t, f.router, http.MethodPost, "/v1/diagrams", token,
		`{"prompt":"web app with LB and DB","style":"aws"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)

	rec := doJSON(t, f.router, http.MethodPost, "/v1/diagrams", "alice-key",
		`{"prompt":"web app with LB and DB","style":"aws","quality":"standard"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		JobID            string `json:"job_id"`
		Position         int    `json:"position"`
		EstimatedWaitSec int    `json:"estimated_wait_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, 1, resp.Position)
	assert.Equal(t, 30, resp.EstimatedWaitSec)

	job, err := f.jobs.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.State)
	assert.NotEqual(t, "alice-key", job.Subject, "the raw credential must not become the subject key")
}

func TestSubmitRequiresBearerToken(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)

	rec := doJSON(t, f.router, http.MethodPost, "/v1/diagrams", "", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)

	rec := doJSON(t, f.router, http.MethodPost, "/v1/diagrams", "alice-key",
		`{"prompt":"x","style":"mainframe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))

	rec = doJSON(t, f.router, http.MethodPost, "/v1/diagrams", "alice-key", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func TestSubmitQueueFullMapsTo429(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 1)

	submitOne(t, f, "alice-key")
	rec := doJSON(t, f.router, http.MethodPost, "/v1/diagrams", "bob-key",
		`{"prompt":"another one"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "QUEUE_FULL", errorCode(t, rec))
}

func TestSubmitRateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	caps := config.TierTable{
		domain.TierT0: {RequestsPerHour: 1, MaxConcurrent: 10, Priority: 0},
	}
	f := newServerFixture(t, caps, 10)

	submitOne(t, f, "free-key")
	rec := doJSON(t, f.router, http.MethodPost, "/v1/diagrams", "free-key",
		`{"prompt":"one more"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"), "window rejections advertise when to retry")
}

func TestQueryReturnsJob(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")

	rec := doJSON(t, f.router, http.MethodGet, "/v1/diagrams/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, "queued", view.State)
}

func TestQueryOtherSubjectIsNotFound(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")

	rec := doJSON(t, f.router, http.MethodGet, "/v1/diagrams/"+id, "bob-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestQueryUnknownJobIsNotFound(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)

	rec := doJSON(t, f.router, http.MethodGet, "/v1/diagrams/01NOPE", "alice-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelIsIdempotentOverHTTP(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")

	rec := doJSON(t, f.router, http.MethodDelete, "/v1/diagrams/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())

	rec = doJSON(t, f.router, http.MethodDelete, "/v1/diagrams/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":false}`, rec.Body.String())
}

func TestCompletedJobViewCarriesResult(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")
	require.NoError(t, f.jobs.Complete(context.Background(), id, domain.Artifact{
		RasterB64:  "aGVsbG8=",
		RasterMIME: "image/png",
		Source:     "from diagrams import Diagram",
		TokensIn:   100,
		TokensOut:  50,
	}))

	rec := doJSON(t, f.router, http.MethodGet, "/v1/diagrams/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		State  string `json:"state"`
		Result *struct {
			RasterB64  string `json:"raster_b64"`
			RasterMIME string `json:"raster_mime"`
			TokensIn   int64  `json:"tokens_in"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "completed", view.State)
	require.NotNil(t, view.Result)
	assert.Equal(t, "aGVsbG8=", view.Result.RasterB64)
	assert.Equal(t, "image/png", view.Result.RasterMIME)
	assert.Equal(t, int64(100), view.Result.TokensIn)
}

func TestFailedJobViewCarriesError(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")
	require.NoError(t, f.jobs.Fail(context.Background(), id, domain.ErrKindUpstreamPermanent, "model rejected the request"))

	rec := doJSON(t, f.router, http.MethodGet, "/v1/diagrams/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		State string `json:"state"`
		Error *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "failed", view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, string(domain.ErrKindUpstreamPermanent), view.Error.Kind)
}

func TestEventsStreamAcksAndReplaysTerminalState(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")

	// Settle the job before subscribing; the stream must still deliver a
	// terminal event to the late subscriber.
	rec := doJSON(t, f.router, http.MethodDelete, "/v1/diagrams/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, f.router, http.MethodGet, "/v1/diagrams/"+id+"/events", "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: subscribed")
	assert.Contains(t, body, "event: cancelled")
	assert.Contains(t, body, id)
}

func TestEventsStreamOtherSubjectIsNotFound(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, config.DefaultTierTable(), 10)
	id := submitOne(t, f, "alice-key")

	rec := doJSON(t, f.router, http.MethodGet, "/v1/diagrams/"+id+"/events", "bob-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
