package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsketch/diagen/internal/domain"
)

func job(id string, priority int, admittedAt time.Time) domain.Job {
	return domain.Job{
		ID:         id,
		State:      domain.JobQueued,
		Priority:   priority,
		AdmittedAt: admittedAt,
	}
}

func TestEnqueueOrdering(t *testing.T) {
	t.Parallel()
	s := New(10)
	base := time.Now()

	// Same priority: earlier admission wins. Higher priority beats both.
	require.NoError(t, s.Enqueue(job("b", 10, base.Add(time.Second))))
	require.NoError(t, s.Enqueue(job("a", 10, base)))
	require.NoError(t, s.Enqueue(job("c", 30, base.Add(2*time.Second))))

	var got []string
	for {
		j, ok := s.TryPop()
		if !ok {
			break
		}
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestEnqueueTieBreakByID(t *testing.T) {
	t.Parallel()
	s := New(10)
	at := time.Now()

	require.NoError(t, s.Enqueue(job("01J2", 0, at)))
	require.NoError(t, s.Enqueue(job("01J1", 0, at)))

	j, ok := s.TryPop()
	require.True(t, ok)
	assert.Equal(t, "01J1", j.ID)
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := New(2)
	require.NoError(t, s.Enqueue(job("a", 0, time.Now())))
	require.NoError(t, s.Enqueue(job("b", 0, time.Now())))

	err := s.Enqueue(job("c", 0, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 2, s.Depth())
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()
	s := New(10)
	require.NoError(t, s.Enqueue(job("a", 0, time.Now())))
	assert.ErrorIs(t, s.Enqueue(job("a", 0, time.Now())), domain.ErrConflict)
}

func TestDueRetryPrecedesFreshAdmissions(t *testing.T) {
	t.Parallel()
	s := New(10)
	base := time.Now()

	require.NoError(t, s.Enqueue(job("fresh", 30, base)))
	s.EnqueueRetry(job("retry", 0, base.Add(-time.Minute)), base.Add(-time.Second))

	j, ok := s.TryPop()
	require.True(t, ok)
	assert.Equal(t, "retry", j.ID, "a due retry is dispatched before any fresh admission")
}

func TestRetryNotVisibleBeforeDeadline(t *testing.T) {
	t.Parallel()
	s := New(10)
	s.EnqueueRetry(job("r", 0, time.Now()), time.Now().Add(time.Hour))

	_, ok := s.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 1, s.RetryDepth())
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := New(10)
	require.NoError(t, s.Enqueue(job("a", 0, time.Now())))
	s.EnqueueRetry(job("r", 0, time.Now()), time.Now().Add(time.Hour))

	assert.True(t, s.Remove("a"))
	assert.True(t, s.Remove("r"))
	assert.False(t, s.Remove("a"), "second remove is a no-op")
	assert.Equal(t, 0, s.Depth())
	assert.Equal(t, 0, s.RetryDepth())
}

func TestAwaitReadySignalled(t *testing.T) {
	t.Parallel()
	s := New(10)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.AwaitReady(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Enqueue(job("a", 0, time.Now())))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitReady did not wake on enqueue")
	}
}

func TestAwaitReadyRetryDeadline(t *testing.T) {
	t.Parallel()
	s := New(10)
	s.EnqueueRetry(job("r", 0, time.Now()), time.Now().Add(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.AwaitReady(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	j, ok := s.TryPop()
	require.True(t, ok)
	assert.Equal(t, "r", j.ID)
}

func TestAwaitReadyContextCancelled(t *testing.T) {
	t.Parallel()
	s := New(10)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.AwaitReady(ctx), context.DeadlineExceeded)
}

func TestExpireBefore(t *testing.T) {
	t.Parallel()
	s := New(10)
	now := time.Now()
	require.NoError(t, s.Enqueue(job("old1", 0, now.Add(-2*time.Hour))))
	require.NoError(t, s.Enqueue(job("old2", 20, now.Add(-3*time.Hour))))
	require.NoError(t, s.Enqueue(job("new", 0, now)))
	s.EnqueueRetry(job("retry", 0, now.Add(-4*time.Hour)), now.Add(time.Hour))

	expired := s.ExpireBefore(now.Add(-time.Hour))
	ids := map[string]bool{}
	for _, j := range expired {
		ids[j.ID] = true
	}
	assert.Len(t, expired, 2)
	assert.True(t, ids["old1"])
	assert.True(t, ids["old2"])
	assert.Equal(t, 1, s.Depth())
	assert.Equal(t, 1, s.RetryDepth(), "retry entries are exempt from the staleness sweep")

	j, ok := s.TryPop()
	require.True(t, ok)
	assert.Equal(t, "new", j.ID)
}
