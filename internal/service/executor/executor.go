// Package executor implements the serial job worker: it drains the
// scheduler one job at a time, drives the LLM call and the renderer, and
// wires outcomes back into the job store, the usage ledger, and the status
// bus. Serialization is deliberate: with exactly one in-flight outbound call
// the global per-minute budgets hold by construction.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloudsketch/diagen/internal/adapter/ai"
	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
	"github.com/cloudsketch/diagen/internal/service/quota"
	"github.com/cloudsketch/diagen/internal/service/scheduler"
)

// jobProgress tracks cross-attempt state the retry policy needs: the hash
// of source that already failed to render, and whether the single render
// retry was spent.
type jobProgress struct {
	failedRenderHash [sha256.Size]byte
	failedRenderSet  bool
	renderRetried    bool
}

// Executor is the single serial worker behind the scheduler.
type Executor struct {
	cfg   config.Config
	jobs  domain.JobRepository
	usage domain.UsageRepository
	bus   domain.EventBus
	sched *scheduler.Scheduler
	quota *quota.Evaluator
	gen   domain.DiagramGenerator
	rend  domain.Renderer
	est   *ai.Estimator

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	progress map[string]*jobProgress
}

// New constructs an Executor.
func New(cfg config.Config, jobs domain.JobRepository, usage domain.UsageRepository,
	bus domain.EventBus, sched *scheduler.Scheduler, q *quota.Evaluator,
	gen domain.DiagramGenerator, rend domain.Renderer, est *ai.Estimator) *Executor {
	return &Executor{
		cfg:      cfg,
		jobs:     jobs,
		usage:    usage,
		bus:      bus,
		sched:    sched,
		quota:    q,
		gen:      gen,
		rend:     rend,
		est:      est,
		inflight: map[string]context.CancelFunc{},
		progress: map[string]*jobProgress{},
	}
}

// Run is the dispatch loop. It blocks until ctx is cancelled. Jobs left
// InProgress at shutdown are recovered by restore on the next start.
func (e *Executor) Run(ctx context.Context) {
	slog.Info("executor started",
		slog.Int("max_attempts", e.cfg.MaxAttempts),
		slog.Duration("base_delay", e.cfg.BaseDelay))
	for {
		if err := e.sched.AwaitReady(ctx); err != nil {
			slog.Info("executor stopped", slog.Any("reason", ctx.Err()))
			return
		}
		if !e.gateGlobal(ctx) {
			return
		}
		job, ok := e.sched.TryPop()
		if !ok {
			continue
		}
		e.reportDepth()
		e.execute(ctx, job)
	}
}

// gateGlobal blocks until the global per-minute caps admit another dispatch.
// Subject caps were settled at admission and are not re-checked here.
func (e *Executor) gateGlobal(ctx context.Context) bool {
	for {
		ok, retryAfter := e.quota.AllowDispatch(0)
		if ok {
			return true
		}
		slog.Debug("dispatch gated by global window", slog.Duration("retry_after", retryAfter))
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// CancelInFlight aborts the running attempt of a job, if this executor is
// currently working on it. The caller owns the state transition; the
// executor only tears down the outbound call.
func (e *Executor) CancelInFlight(jobID string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) register(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[jobID] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregister(jobID string) {
	e.mu.Lock()
	delete(e.inflight, jobID)
	e.mu.Unlock()
}

func (e *Executor) progressFor(jobID string) *jobProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.progress[jobID]
	if !ok {
		p = &jobProgress{}
		e.progress[jobID] = p
	}
	return p
}

func (e *Executor) dropProgress(jobID string) {
	e.mu.Lock()
	delete(e.progress, jobID)
	e.mu.Unlock()
}

// execute drives one attempt of one job end to end. Every exceptional path
// converges on a terminal state, a scheduled retry, or a shutdown handoff;
// the loop itself never aborts.
func (e *Executor) execute(ctx context.Context, job domain.Job) {
	ctx, span := otel.Tracer("diagen.executor").Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.subject", job.Subject),
		attribute.Int("job.attempt", job.Attempts+1),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(job.ID, cancel)
	defer e.unregister(job.ID)

	attempts := job.Attempts + 1
	if err := e.jobs.UpdateState(ctx, job.ID, domain.JobDispatched, attempts); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Terminal since pop; a cancel won the race.
			e.dropProgress(job.ID)
			return
		}
		e.fail(ctx, job, attempts, domain.ErrKindInternal, err.Error(), domain.Generation{})
		return
	}
	e.publish(ctx, job.ID, domain.EventDispatched, attempts, nil)

	systemPrompt, userPrompt := ai.BuildPrompts(job.Spec)
	estimate := e.est.EstimateTokens(systemPrompt, userPrompt)
	e.quota.NoteDispatch(estimate)

	if err := e.jobs.UpdateState(ctx, job.ID, domain.JobInProgress, attempts); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.dropProgress(job.ID)
			return
		}
	}
	e.publish(ctx, job.ID, domain.EventInProgress, attempts, nil)

	gen, err := e.gen.Generate(jobCtx, systemPrompt, userPrompt)
	if err != nil {
		e.quota.NoteUsage(estimate, 0)
		if e.handedOff(ctx, jobCtx, job.ID) {
			return
		}
		kind := domain.ClassifyGenerationError(err)
		if kind.Retryable() && attempts < e.cfg.MaxAttempts {
			e.scheduleRetry(ctx, job, attempts, kind)
			return
		}
		e.fail(ctx, job, attempts, kind, err.Error(), domain.Generation{})
		return
	}
	measured := gen.TokensIn + gen.TokensOut
	e.quota.NoteUsage(estimate, measured)
	observability.TokensConsumedTotal.WithLabelValues("in").Add(float64(gen.TokensIn))
	observability.TokensConsumedTotal.WithLabelValues("out").Add(float64(gen.TokensOut))

	source := ai.ExtractSource(gen.Text)
	prog := e.progressFor(job.ID)
	h := sha256.Sum256([]byte(source))
	if prog.failedRenderSet && h == prog.failedRenderHash {
		// The regenerated source is identical to the one that already failed
		// to render; re-rendering would fail the same way.
		e.fail(ctx, job, attempts, domain.ErrKindRenderFailure, "regenerated source identical to previously failed render", gen)
		return
	}

	out, err := e.rend.Render(jobCtx, domain.RenderInput{
		RequestID:    job.ID,
		Source:       source,
		Style:        job.Spec.Style,
		Quality:      job.Spec.Quality,
		DiagramType:  job.Spec.DiagramType,
		OutputFormat: job.Spec.OutputFormat,
	})
	if err != nil {
		if e.handedOff(ctx, jobCtx, job.ID) {
			return
		}
		// A render timeout is terminal for the render, unlike an LLM timeout.
		kind := domain.ErrKindRenderFailure
		if !errors.Is(err, domain.ErrRenderFailed) && !errors.Is(err, domain.ErrUpstreamTimeout) {
			kind = domain.ErrKindInternal
		}
		// Re-rendering only helps when the generation can vary: the attempt
		// must itself be a transient retry, and only one render retry is
		// spent per job.
		if kind == domain.ErrKindRenderFailure && attempts > 1 && !prog.renderRetried && attempts < e.cfg.MaxAttempts {
			prog.renderRetried = true
			prog.failedRenderHash = h
			prog.failedRenderSet = true
			e.scheduleRetry(ctx, job, attempts, kind)
			return
		}
		e.fail(ctx, job, attempts, kind, err.Error(), gen)
		return
	}

	artifact := domain.Artifact{
		RasterB64:   base64.StdEncoding.EncodeToString(out.Raster),
		RasterMIME:  out.RasterMIME,
		Source:      out.Source,
		ExchangeXML: out.ExchangeXML,
		TokensIn:    gen.TokensIn,
		TokensOut:   gen.TokensOut,
	}
	if err := e.jobs.Complete(ctx, job.ID, artifact); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Cancelled at the finish line; the artifact is dropped.
			e.dropProgress(job.ID)
			return
		}
		e.fail(ctx, job, attempts, domain.ErrKindInternal, err.Error(), gen)
		return
	}
	e.appendUsage(ctx, job, gen, true, domain.ErrKindNone)
	e.dropProgress(job.ID)
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
	e.publish(ctx, job.ID, domain.EventCompleted, attempts, map[string]any{
		"tokens_consumed": measured,
	})
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("subject", job.Subject),
		slog.Int("attempts", attempts),
		slog.Int64("tokens", measured))
}

// handedOff reports whether the attempt ended for a reason that is not this
// attempt's failure: a user cancel (state already Cancelled, event already
// published by the canceller) or process shutdown (job recovered by restore).
func (e *Executor) handedOff(ctx, jobCtx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		slog.Info("attempt interrupted by shutdown", slog.String("job_id", jobID))
		return true
	}
	if jobCtx.Err() != nil {
		slog.Info("attempt aborted by cancel", slog.String("job_id", jobID))
		e.dropProgress(jobID)
		return true
	}
	return false
}

// scheduleRetry pushes the job back through the retry queue with exponential
// backoff, keeping the attempt counter.
func (e *Executor) scheduleRetry(ctx context.Context, job domain.Job, attempts int, kind domain.ErrorKind) {
	delay := retryDelay(e.cfg.BaseDelay, e.cfg.MaxBackoff, attempts)
	if err := e.jobs.UpdateState(ctx, job.ID, domain.JobQueued, attempts); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.dropProgress(job.ID)
			return
		}
		e.fail(ctx, job, attempts, domain.ErrKindInternal, err.Error(), domain.Generation{})
		return
	}
	job.Attempts = attempts
	job.State = domain.JobQueued
	e.sched.EnqueueRetry(job, time.Now().Add(delay))
	e.reportDepth()
	observability.JobRetriesTotal.Inc()
	e.publish(ctx, job.ID, domain.EventRetry, attempts, map[string]any{
		"error_kind":   string(kind),
		"next_attempt": delay.String(),
	})
	slog.Warn("attempt failed, retry scheduled",
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempts),
		slog.String("error_kind", string(kind)),
		slog.Duration("delay", delay))
}

// fail settles the job as Failed and writes the ledger entry.
func (e *Executor) fail(ctx context.Context, job domain.Job, attempts int, kind domain.ErrorKind, msg string, gen domain.Generation) {
	if err := e.jobs.Fail(ctx, job.ID, kind, msg); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.dropProgress(job.ID)
			return
		}
		slog.Error("failed to persist job failure",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	e.appendUsage(ctx, job, gen, false, kind)
	e.dropProgress(job.ID)
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	e.publish(ctx, job.ID, domain.EventFailed, attempts, map[string]any{
		"error_kind": string(kind),
		"message":    msg,
	})
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("subject", job.Subject),
		slog.Int("attempts", attempts),
		slog.String("error_kind", string(kind)))
}

// appendUsage writes exactly one ledger entry per settled job. A duplicate
// append surfaces as ErrConflict and is ignored.
func (e *Executor) appendUsage(ctx context.Context, job domain.Job, gen domain.Generation, success bool, kind domain.ErrorKind) {
	rec := domain.UsageRecord{
		Subject:       job.Subject,
		JobID:         job.ID,
		Timestamp:     time.Now(),
		TokensIn:      gen.TokensIn,
		TokensOut:     gen.TokensOut,
		Success:       success,
		ErrorKind:     kind,
		EstimatedCost: ai.EstimateCost(gen.Model, gen.TokensIn, gen.TokensOut),
	}
	if err := e.usage.Append(ctx, rec); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("failed to append usage record",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	e.quota.InvalidateSubject(ctx, job.Subject)
}

func (e *Executor) publish(ctx context.Context, jobID string, kind domain.EventKind, attempt int, data map[string]any) {
	e.bus.Publish(ctx, domain.Event{
		JobID:     jobID,
		Kind:      kind,
		Attempt:   attempt,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (e *Executor) reportDepth() {
	observability.QueueDepth.WithLabelValues("main").Set(float64(e.sched.Depth()))
	observability.QueueDepth.WithLabelValues("retry").Set(float64(e.sched.RetryDepth()))
}
