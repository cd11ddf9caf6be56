package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsketch/diagen/internal/adapter/ai"
	"github.com/cloudsketch/diagen/internal/adapter/eventbus"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
	"github.com/cloudsketch/diagen/internal/service/quota"
	"github.com/cloudsketch/diagen/internal/service/scheduler"
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

func (m *memJobs) ListActive(context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if !j.State.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

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

type fakeCanceller struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCanceller) CancelInFlight(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return true
}

type recordingMirror struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *recordingMirror) MirrorEvent(_ context.Context, ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *recordingMirror) kinds() []domain.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventKind, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Kind)
	}
	return out
}

type brokerFixture struct {
	jobs      *memJobs
	sched     *scheduler.Scheduler
	mirror    *recordingMirror
	canceller *fakeCanceller
	broker    *Broker
}

func newBrokerFixture(t *testing.T, maxQueueSize int) *brokerFixture {
	t.Helper()
	cfg := config.Config{
		MaxQueueSize:   maxQueueSize,
		AvgJobDuration: 30 * time.Second,
		QueueTTL:       0,
	}
	caps := config.DefaultTierTable()
	jobs := newMemJobs()
	mirror := &recordingMirror{}
	bus := eventbus.New(mirror)
	sched := scheduler.New(maxQueueSize)
	ev := quota.NewEvaluator(caps, jobs, memUsage{},
		quota.NewAggregateCache(nil, time.Minute), quota.NewMinuteWindow(time.Millisecond),
		sched.Depth, maxQueueSize, 0, 0)
	canceller := &fakeCanceller{}
	est := ai.NewEstimator("gpt-4", 64)
	return &brokerFixture{
		jobs:      jobs,
		sched:     sched,
		mirror:    mirror,
		canceller: canceller,
		broker:    NewBroker(cfg, caps, jobs, bus, sched, ev, est, canceller),
	}
}

func subject(key string, tier domain.Tier) domain.Subject {
	return domain.Subject{Key: key, Tier: tier}
}

func promptSpec() domain.DiagramSpec {
	return domain.DiagramSpec{Prompt: "web app with LB, 2 web servers, 1 DB", Style: "aws"}
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)

	receipt, err := f.broker.Submit(context.Background(), subject("s1", domain.TierT2), promptSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.JobID)
	assert.Equal(t, 1, receipt.Position)
	assert.Equal(t, 30*time.Second, receipt.EstimatedWait)

	job, err := f.jobs.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.State)
	assert.Equal(t, "s1", job.Subject)
	assert.Equal(t, domain.TierT2, job.Tier)
	assert.Equal(t, 20, job.Priority, "priority snapshots the tier's value at admission")
	assert.Equal(t, domain.QualityStandard, job.Spec.Quality, "defaults are normalized in")

	assert.Equal(t, []domain.EventKind{domain.EventQueued}, f.mirror.kinds())
	assert.Equal(t, 1, f.sched.Depth())
}

func TestSubmitIDsAreMonotonic(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)
	sub := subject("s1", domain.TierT3)

	r1, err := f.broker.Submit(context.Background(), sub, promptSpec())
	require.NoError(t, err)
	r2, err := f.broker.Submit(context.Background(), sub, promptSpec())
	require.NoError(t, err)
	assert.Less(t, r1.JobID, r2.JobID)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)
	sub := subject("s1", domain.TierT2)

	_, err := f.broker.Submit(context.Background(), sub, domain.DiagramSpec{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "prompt or template required")

	_, err = f.broker.Submit(context.Background(), sub, domain.DiagramSpec{Prompt: "x", Style: "mainframe"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitResolvesTemplate(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)

	receipt, err := f.broker.Submit(context.Background(), subject("s1", domain.TierT2),
		domain.DiagramSpec{TemplateID: "web-3tier"})
	require.NoError(t, err)

	job, err := f.jobs.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Contains(t, job.Spec.Prompt, "three-tier")

	_, err = f.broker.Submit(context.Background(), subject("s1", domain.TierT2),
		domain.DiagramSpec{TemplateID: "no-such"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 1)
	sub := subject("s1", domain.TierT3)

	_, err := f.broker.Submit(context.Background(), sub, promptSpec())
	require.NoError(t, err)

	_, err = f.broker.Submit(context.Background(), sub, promptSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	var rej *quota.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, quota.ReasonQueueFull, rej.Reason)
}

func TestSubmitConcurrencyRejection(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)
	sub := subject("s1", domain.TierT0)

	_, err := f.broker.Submit(context.Background(), sub, promptSpec())
	require.NoError(t, err)

	// T0 allows a single concurrent job.
	_, err = f.broker.Submit(context.Background(), sub, promptSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)
	sub := subject("s1", domain.TierT2)

	receipt, err := f.broker.Submit(context.Background(), sub, promptSpec())
	require.NoError(t, err)

	won, err := f.broker.Cancel(context.Background(), "s1", receipt.JobID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = f.broker.Cancel(context.Background(), "s1", receipt.JobID)
	require.NoError(t, err)
	assert.False(t, won, "only the first cancel performs the transition")

	job, err := f.jobs.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, job.State)
	assert.Equal(t, 0, f.sched.Depth(), "a queued job is removed from the queue on cancel")
	assert.Contains(t, f.mirror.kinds(), domain.EventCancelled)
}

func TestCancelSubjectMismatch(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)

	receipt, err := f.broker.Submit(context.Background(), subject("s1", domain.TierT2), promptSpec())
	require.NoError(t, err)

	_, err = f.broker.Cancel(context.Background(), "s2", receipt.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "other subjects' jobs look nonexistent")

	job, _ := f.jobs.Get(context.Background(), receipt.JobID)
	assert.Equal(t, domain.JobQueued, job.State)
}

func TestCancelInFlightDelegatesToExecutor(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)
	sub := subject("s1", domain.TierT2)

	receipt, err := f.broker.Submit(context.Background(), sub, promptSpec())
	require.NoError(t, err)

	// Simulate dispatch: the job leaves the queue.
	_, ok := f.sched.TryPop()
	require.True(t, ok)

	won, err := f.broker.Cancel(context.Background(), "s1", receipt.JobID)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, []string{receipt.JobID}, f.canceller.calls)
}

func TestQuery(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)

	receipt, err := f.broker.Submit(context.Background(), subject("s1", domain.TierT2), promptSpec())
	require.NoError(t, err)

	job, err := f.broker.Query(context.Background(), "s1", receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.State)

	_, err = f.broker.Query(context.Background(), "s2", receipt.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.broker.Query(context.Background(), "s1", "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestore(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t, 10)
	now := time.Now()

	seed := []domain.Job{
		{ID: "q1", Subject: "s1", State: domain.JobQueued, AdmittedAt: now},
		{ID: "d1", Subject: "s1", State: domain.JobDispatched, Attempts: 1, AdmittedAt: now},
		{ID: "p1", Subject: "s1", State: domain.JobInProgress, Attempts: 2, AdmittedAt: now},
		{ID: "c1", Subject: "s1", State: domain.JobCompleted, AdmittedAt: now},
	}
	for _, j := range seed {
		require.NoError(t, f.jobs.Create(context.Background(), j))
	}

	require.NoError(t, f.broker.Restore(context.Background()))

	// Interrupted jobs are reset to Queued with attempts unchanged and made
	// visible immediately via the retry queue.
	assert.Equal(t, 1, f.sched.Depth())
	assert.Equal(t, 2, f.sched.RetryDepth())

	d1, _ := f.jobs.Get(context.Background(), "d1")
	assert.Equal(t, domain.JobQueued, d1.State)
	assert.Equal(t, 1, d1.Attempts)
	p1, _ := f.jobs.Get(context.Background(), "p1")
	assert.Equal(t, domain.JobQueued, p1.State)
	assert.Equal(t, 2, p1.Attempts)

	// All three are immediately dispatchable.
	popped := 0
	for {
		if _, ok := f.sched.TryPop(); !ok {
			break
		}
		popped++
	}
	assert.Equal(t, 3, popped)
}
