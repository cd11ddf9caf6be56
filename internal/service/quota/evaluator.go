package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
)

// Reason identifies why an admission was rejected.
type Reason string

// Rejection reasons.
const (
	ReasonQueueFull          Reason = "queue-full"
	ReasonSubjectConcurrency Reason = "subject-concurrency-exceeded"
	ReasonSubjectHourly      Reason = "subject-hourly-exhausted"
	ReasonSubjectDaily       Reason = "subject-daily-exhausted"
	ReasonGlobalRequests     Reason = "global-requests-exhausted"
	ReasonGlobalTokens       Reason = "global-tokens-exhausted"
)

// Decision is the evaluator's verdict on one submission.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

func admit() Decision { return Decision{Allowed: true} }

func reject(reason Reason, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// RejectionError surfaces a rejection as an error wrapping ErrRateLimited
// (or ErrQueueFull) so transports can map it without knowing the reason set.
type RejectionError struct {
	Reason     Reason
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Unwrap maps queue-full onto ErrQueueFull and everything else onto
// ErrRateLimited.
func (e *RejectionError) Unwrap() error {
	if e.Reason == ReasonQueueFull {
		return domain.ErrQueueFull
	}
	return domain.ErrRateLimited
}

// subjectWindows holds the evaluator's exact in-process admission counters
// for one subject. The store seeds a window on first touch (and after
// restart); thereafter RecordAdmission keeps the counts precise, which is
// what makes admission the serialization point for the window caps.
type subjectWindows struct {
	hourStart time.Time
	hourCount int64
	dayStart  time.Time
	dayCount  int64
}

// Evaluator decides admission in O(1) amortized per call (checks ordered
// cheapest first, aggregates cached).
type Evaluator struct {
	caps       config.TierTable
	jobs       domain.JobRepository
	usage      domain.UsageRepository
	cache      *AggregateCache
	global     *MinuteWindow
	queueDepth func() int

	maxQueueSize  int
	globalReqCap  int64
	globalTokCap  int64

	mu       sync.Mutex
	subjects map[string]*subjectWindows

	// now is swappable in tests.
	now func() time.Time
}

// NewEvaluator constructs an Evaluator. queueDepth reports the current main
// queue depth; cache may wrap a nil Redis client.
func NewEvaluator(caps config.TierTable, jobs domain.JobRepository, usage domain.UsageRepository,
	cache *AggregateCache, global *MinuteWindow, queueDepth func() int,
	maxQueueSize int, globalReqCap, globalTokCap int64) *Evaluator {
	return &Evaluator{
		caps:         caps,
		jobs:         jobs,
		usage:        usage,
		cache:        cache,
		global:       global,
		queueDepth:   queueDepth,
		maxQueueSize: maxQueueSize,
		globalReqCap: globalReqCap,
		globalTokCap: globalTokCap,
		subjects:     map[string]*subjectWindows{},
		now:          time.Now,
	}
}

// Admit evaluates one submission. estTokens is the submission's estimated
// token footprint for the global token budget. Checks run fail-fast in cost
// order: queue depth, subject concurrency, subject windows, global windows.
func (e *Evaluator) Admit(ctx context.Context, subject domain.Subject, estTokens int64) (Decision, error) {
	now := e.now()
	caps := e.caps.Caps(subject.Tier)

	if e.queueDepth() >= e.maxQueueSize {
		return reject(ReasonQueueFull, 0), nil
	}

	active, err := e.jobs.CountActiveBySubject(ctx, subject.Key)
	if err != nil {
		return Decision{}, fmt.Errorf("op=quota.admit: %w", err)
	}
	if caps.MaxConcurrent > 0 && active >= caps.MaxConcurrent {
		return reject(ReasonSubjectConcurrency, 0), nil
	}

	hourCount, dayCount, err := e.windowCounts(ctx, subject.Key, now)
	if err != nil {
		return Decision{}, fmt.Errorf("op=quota.admit: %w", err)
	}
	if caps.RequestsPerHour > 0 && hourCount >= caps.RequestsPerHour {
		return reject(ReasonSubjectHourly, UntilNextHour(now)), nil
	}
	if caps.RequestsPerDay > 0 && dayCount >= caps.RequestsPerDay {
		return reject(ReasonSubjectDaily, UntilNextDay(now)), nil
	}
	if caps.TokensPerDay > 0 {
		tokens, err := e.tokensToday(ctx, subject.Key, now)
		if err != nil {
			return Decision{}, fmt.Errorf("op=quota.admit: %w", err)
		}
		if tokens >= caps.TokensPerDay {
			return reject(ReasonSubjectDaily, UntilNextDay(now)), nil
		}
	}

	reqs, toks := e.global.Snapshot(now)
	if e.globalReqCap > 0 && reqs >= e.globalReqCap {
		return reject(ReasonGlobalRequests, UntilNextMinute(now)), nil
	}
	if e.globalTokCap > 0 && toks+estTokens > e.globalTokCap {
		return reject(ReasonGlobalTokens, UntilNextMinute(now)), nil
	}

	return admit(), nil
}

// windowCounts returns the subject's hour and day admission counts, seeding
// a fresh window from the job store on first touch.
func (e *Evaluator) windowCounts(ctx context.Context, subject string, now time.Time) (int64, int64, error) {
	hourStart, dayStart := HourStart(now), DayStart(now)

	e.mu.Lock()
	sw, ok := e.subjects[subject]
	if !ok {
		sw = &subjectWindows{}
		e.subjects[subject] = sw
	}
	needHour := !sw.hourStart.Equal(hourStart)
	needDay := !sw.dayStart.Equal(dayStart)
	e.mu.Unlock()

	var hourSeed, daySeed int64
	var err error
	if needHour {
		if hourSeed, err = e.jobs.CountAdmittedSince(ctx, subject, hourStart); err != nil {
			return 0, 0, err
		}
	}
	if needDay {
		if daySeed, err = e.jobs.CountAdmittedSince(ctx, subject, dayStart); err != nil {
			return 0, 0, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if needHour && !sw.hourStart.Equal(hourStart) {
		sw.hourStart = hourStart
		sw.hourCount = hourSeed
	}
	if needDay && !sw.dayStart.Equal(dayStart) {
		sw.dayStart = dayStart
		sw.dayCount = daySeed
	}
	return sw.hourCount, sw.dayCount, nil
}

// RecordAdmission bumps the subject's in-process window counters. Called by
// the broker once a job is persisted and enqueued.
func (e *Evaluator) RecordAdmission(subject string, admittedAt time.Time) {
	hourStart, dayStart := HourStart(admittedAt), DayStart(admittedAt)
	e.mu.Lock()
	defer e.mu.Unlock()
	sw, ok := e.subjects[subject]
	if !ok {
		sw = &subjectWindows{hourStart: hourStart, dayStart: dayStart}
		e.subjects[subject] = sw
	}
	if !sw.hourStart.Equal(hourStart) {
		sw.hourStart = hourStart
		sw.hourCount = 0
	}
	if !sw.dayStart.Equal(dayStart) {
		sw.dayStart = dayStart
		sw.dayCount = 0
	}
	sw.hourCount++
	sw.dayCount++
}

// tokensToday reads the subject's daily token aggregate through the cache.
func (e *Evaluator) tokensToday(ctx context.Context, subject string, now time.Time) (int64, error) {
	dayStart := DayStart(now)
	if tokens, ok := e.cache.TokensDay(ctx, subject, dayStart); ok {
		return tokens, nil
	}
	tokens, err := e.usage.TokensSince(ctx, subject, dayStart)
	if err != nil {
		return 0, err
	}
	e.cache.SetTokensDay(ctx, subject, dayStart, tokens)
	return tokens, nil
}

// InvalidateSubject drops the subject's cached aggregates. Called after every
// usage append for that subject.
func (e *Evaluator) InvalidateSubject(ctx context.Context, subject string) {
	e.cache.Invalidate(ctx, subject, e.now())
}

// AllowDispatch is the dispatcher's exact global-cap gate (the subject caps
// were already enforced at admission).
func (e *Evaluator) AllowDispatch(estTokens int64) (bool, time.Duration) {
	return e.global.Allow(e.now(), e.globalReqCap, e.globalTokCap, estTokens)
}

// NoteDispatch records one outbound request against the global window.
func (e *Evaluator) NoteDispatch(estTokens int64) {
	e.global.Note(e.now(), estTokens)
}

// NoteUsage reconciles the global token window with measured usage once the
// call completes: est was charged at dispatch, measured is the truth.
func (e *Evaluator) NoteUsage(est, measured int64) {
	if delta := measured - est; delta != 0 {
		e.global.AddTokens(e.now(), delta)
	}
	if measured < est {
		slog.Debug("token estimate exceeded measured usage", slog.Int64("estimate", est), slog.Int64("measured", measured))
	}
}
