// Package usecase contains the broker service: the public submit, cancel,
// and query operations, startup restore, and the queue staleness sweep. It
// binds admission control to the scheduler and owns job identity.
package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloudsketch/diagen/internal/adapter/ai"
	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
	"github.com/cloudsketch/diagen/internal/service/quota"
	"github.com/cloudsketch/diagen/internal/service/scheduler"
)

// Receipt is the synchronous answer to a successful submit.
type Receipt struct {
	JobID         string
	Position      int
	EstimatedWait time.Duration
}

// InflightCanceller aborts a job's running attempt. Implemented by the
// executor.
type InflightCanceller interface {
	CancelInFlight(jobID string) bool
}

// Broker implements the public job operations.
type Broker struct {
	cfg      config.Config
	caps     config.TierTable
	jobs     domain.JobRepository
	bus      domain.EventBus
	sched    *scheduler.Scheduler
	quota    *quota.Evaluator
	est      *ai.Estimator
	inflight InflightCanceller

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewBroker constructs a Broker.
func NewBroker(cfg config.Config, caps config.TierTable, jobs domain.JobRepository,
	bus domain.EventBus, sched *scheduler.Scheduler, q *quota.Evaluator,
	est *ai.Estimator, inflight InflightCanceller) *Broker {
	return &Broker{
		cfg:      cfg,
		caps:     caps,
		jobs:     jobs,
		bus:      bus,
		sched:    sched,
		quota:    q,
		est:      est,
		inflight: inflight,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// newID mints a unique, monotonically time-ordered job id.
func (b *Broker) newID(t time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}

// Submit validates and admits one submission. On admission the job is
// persisted Queued, enqueued, and announced on the status bus; the receipt
// carries the queue position and a wait hint. Rejections surface as
// *quota.RejectionError with a machine-readable reason.
func (b *Broker) Submit(ctx context.Context, subject domain.Subject, spec domain.DiagramSpec) (Receipt, error) {
	ctx, span := otel.Tracer("diagen.broker").Start(ctx, "broker.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("subject", subject.Key),
		attribute.String("tier", string(subject.Tier)),
	)

	spec.Normalize()
	if spec.Prompt == "" && spec.TemplateID != "" {
		prompt, err := ai.ResolveTemplate(spec.TemplateID)
		if err != nil {
			return Receipt{}, err
		}
		spec.Prompt = prompt
	}
	if err := spec.Validate(); err != nil {
		return Receipt{}, err
	}

	systemPrompt, userPrompt := ai.BuildPrompts(spec)
	estTokens := b.est.EstimateTokens(systemPrompt, userPrompt)

	decision, err := b.quota.Admit(ctx, subject, estTokens)
	if err != nil {
		return Receipt{}, err
	}
	if !decision.Allowed {
		observability.AdmissionRejectedTotal.WithLabelValues(string(decision.Reason)).Inc()
		slog.Info("submission rejected",
			slog.String("subject", subject.Key),
			slog.String("reason", string(decision.Reason)))
		return Receipt{}, &quota.RejectionError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}

	now := time.Now()
	job := domain.Job{
		ID:          b.newID(now),
		Subject:     subject.Key,
		Tier:        subject.Tier,
		Spec:        spec,
		State:       domain.JobQueued,
		Priority:    b.caps.Caps(subject.Tier).Priority,
		SubmittedAt: now,
		AdmittedAt:  now,
		UpdatedAt:   now,
	}
	if err := b.jobs.Create(ctx, job); err != nil {
		return Receipt{}, fmt.Errorf("op=broker.submit: %w", err)
	}
	if err := b.sched.Enqueue(job); err != nil {
		// Lost a race for the last queue slot after the depth check.
		_ = b.jobs.Fail(ctx, job.ID, domain.ErrKindAdmissionDenied, "queue full")
		observability.AdmissionRejectedTotal.WithLabelValues(string(quota.ReasonQueueFull)).Inc()
		return Receipt{}, &quota.RejectionError{Reason: quota.ReasonQueueFull}
	}
	b.quota.RecordAdmission(subject.Key, now)
	observability.JobsSubmittedTotal.WithLabelValues(string(subject.Tier)).Inc()
	observability.QueueDepth.WithLabelValues("main").Set(float64(b.sched.Depth()))

	position := b.sched.Depth()
	b.bus.Publish(ctx, domain.Event{
		JobID:     job.ID,
		Kind:      domain.EventQueued,
		Timestamp: now,
		Data:      map[string]any{"position": position},
	})
	slog.Info("job admitted",
		slog.String("job_id", job.ID),
		slog.String("subject", subject.Key),
		slog.String("tier", string(subject.Tier)),
		slog.Int("position", position))
	return Receipt{
		JobID:         job.ID,
		Position:      position,
		EstimatedWait: time.Duration(position) * b.cfg.AvgJobDuration,
	}, nil
}

// Cancel cancels a job owned by subject. It is idempotent: exactly one call
// performs the transition and returns true; later calls, and calls on
// terminal jobs, return false. A subject mismatch reports not found.
func (b *Broker) Cancel(ctx context.Context, subjectKey, jobID string) (bool, error) {
	ctx, span := otel.Tracer("diagen.broker").Start(ctx, "broker.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Subject != subjectKey {
		return false, fmt.Errorf("op=broker.cancel: %w", domain.ErrNotFound)
	}
	won, err := b.jobs.MarkCancelled(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	if !b.sched.Remove(jobID) {
		// Already popped: tear down the in-flight attempt.
		b.inflight.CancelInFlight(jobID)
	}
	observability.QueueDepth.WithLabelValues("main").Set(float64(b.sched.Depth()))
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	b.bus.Publish(ctx, domain.Event{
		JobID:     jobID,
		Kind:      domain.EventCancelled,
		Attempt:   job.Attempts,
		Timestamp: time.Now(),
	})
	slog.Info("job cancelled", slog.String("job_id", jobID), slog.String("subject", subjectKey))
	return true, nil
}

// Query returns the job's current state and, if terminal, its result or
// error. Jobs of other subjects report not found.
func (b *Broker) Query(ctx context.Context, subjectKey, jobID string) (domain.Job, error) {
	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Subject != subjectKey {
		return domain.Job{}, fmt.Errorf("op=broker.query: %w", domain.ErrNotFound)
	}
	return job, nil
}

// Restore reloads every non-terminal job from the store into the scheduler.
// Jobs found Dispatched or InProgress were interrupted by a crash: the lost
// attempt counts as a retryable failure and the job is made visible
// immediately, then follows normal backoff.
func (b *Broker) Restore(ctx context.Context) error {
	jobs, err := b.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("op=broker.restore: %w", err)
	}
	var queued, recovered int
	now := time.Now()
	for _, job := range jobs {
		switch job.State {
		case domain.JobQueued:
			if err := b.sched.Enqueue(job); err != nil {
				// Overflowed main queue on restore; the retry queue is unbounded.
				b.sched.EnqueueRetry(job, now)
			}
			queued++
		case domain.JobDispatched, domain.JobInProgress:
			if err := b.jobs.UpdateState(ctx, job.ID, domain.JobQueued, job.Attempts); err != nil {
				slog.Error("failed to reset interrupted job",
					slog.String("job_id", job.ID), slog.Any("error", err))
				continue
			}
			job.State = domain.JobQueued
			b.sched.EnqueueRetry(job, now)
			recovered++
		}
	}
	observability.QueueDepth.WithLabelValues("main").Set(float64(b.sched.Depth()))
	observability.QueueDepth.WithLabelValues("retry").Set(float64(b.sched.RetryDepth()))
	slog.Info("job state restored",
		slog.Int("queued", queued),
		slog.Int("recovered", recovered))
	return nil
}

// RunSweeper fails jobs that sat queued longer than the configured TTL.
// A zero TTL disables the sweep. Blocks until ctx is done.
func (b *Broker) RunSweeper(ctx context.Context) {
	if b.cfg.QueueTTL <= 0 {
		return
	}
	interval := b.cfg.QueueTTL / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Broker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-b.cfg.QueueTTL)
	for _, job := range b.sched.ExpireBefore(cutoff) {
		err := b.jobs.Fail(ctx, job.ID, domain.ErrKindStalenessExpired,
			fmt.Sprintf("queued longer than %s", b.cfg.QueueTTL))
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			slog.Error("failed to expire stale job",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
		b.bus.Publish(ctx, domain.Event{
			JobID:     job.ID,
			Kind:      domain.EventFailed,
			Attempt:   job.Attempts,
			Timestamp: time.Now(),
			Data: map[string]any{
				"error_kind": string(domain.ErrKindStalenessExpired),
			},
		})
		slog.Warn("stale job expired", slog.String("job_id", job.ID))
	}
	observability.QueueDepth.WithLabelValues("main").Set(float64(b.sched.Depth()))
}
