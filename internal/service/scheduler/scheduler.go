package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudsketch/diagen/internal/domain"
)

// Scheduler is the holding area between admission and dispatch. The main
// queue is bounded by maxQueueSize; the retry queue is unbounded in count
// (attempts are bounded elsewhere).
//
// Dispatch preference: a due retry strictly precedes fresh admissions, which
// prevents starvation of long retry chains; fresh admissions have no other
// preference over equally-prioritized retries.
type Scheduler struct {
	mu      sync.Mutex
	main    *jobHeap
	retry   *jobHeap
	byID    map[string]*item
	maxSize int
	signal  chan struct{}
}

// New constructs a Scheduler with the given main-queue capacity.
func New(maxQueueSize int) *Scheduler {
	return &Scheduler{
		main:    &jobHeap{},
		retry:   &jobHeap{byVisible: true},
		byID:    map[string]*item{},
		maxSize: maxQueueSize,
		signal:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Enqueue inserts a freshly admitted job into the main queue.
func (s *Scheduler) Enqueue(j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main.Len() >= s.maxSize {
		return fmt.Errorf("op=scheduler.enqueue: %w", domain.ErrQueueFull)
	}
	if _, ok := s.byID[j.ID]; ok {
		return fmt.Errorf("op=scheduler.enqueue: %w: job %s already queued", domain.ErrConflict, j.ID)
	}
	it := &item{job: j}
	s.main.push(it)
	s.byID[j.ID] = it
	s.wake()
	return nil
}

// EnqueueRetry inserts a job into the retry queue; it is not eligible for
// dispatch before visibleAt.
func (s *Scheduler) EnqueueRetry(j domain.Job, visibleAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[j.ID]; ok {
		return
	}
	it := &item{job: j, visibleAt: visibleAt}
	s.retry.push(it)
	s.byID[j.ID] = it
	s.wake()
}

// Depth returns the main queue depth, the value checked against maxQueueSize
// at admission.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.main.Len()
}

// RetryDepth returns the retry queue depth.
func (s *Scheduler) RetryDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.Len()
}

// Remove deletes a job from whichever queue holds it. Used by cancellation
// and the staleness sweep.
func (s *Scheduler) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[jobID]
	if !ok {
		return false
	}
	delete(s.byID, jobID)
	if it.visibleAt.IsZero() {
		s.main.removeAt(it.index)
	} else {
		s.retry.removeAt(it.index)
	}
	return true
}

// AwaitReady blocks until a job is eligible for dispatch or ctx is done. It
// does not pop, so the dispatcher can evaluate global caps before committing.
func (s *Scheduler) AwaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		now := time.Now()
		var timer *time.Timer
		var due <-chan time.Time
		if head := s.retry.peek(); head != nil && !head.visibleAt.After(now) {
			s.mu.Unlock()
			return nil
		} else if s.main.Len() > 0 {
			s.mu.Unlock()
			return nil
		} else if head != nil {
			timer = time.NewTimer(head.visibleAt.Sub(now))
			due = timer.C
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.signal:
			if timer != nil {
				timer.Stop()
			}
		case <-due:
		}
	}
}

// TryPop removes and returns the next dispatchable job: the earliest-visible
// due retry if any, else the head of the main queue.
func (s *Scheduler) TryPop() (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if head := s.retry.peek(); head != nil && !head.visibleAt.After(now) {
		it := s.retry.popHead()
		delete(s.byID, it.job.ID)
		return it.job, true
	}
	if s.main.Len() > 0 {
		it := s.main.popHead()
		delete(s.byID, it.job.ID)
		return it.job, true
	}
	return domain.Job{}, false
}

// ExpireBefore removes and returns main-queue jobs admitted before cutoff.
// Retry entries are exempt: their age is governed by the attempt bound.
func (s *Scheduler) ExpireBefore(cutoff time.Time) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*item
	for _, it := range s.main.items {
		if it.job.AdmittedAt.Before(cutoff) {
			stale = append(stale, it)
		}
	}
	expired := make([]domain.Job, 0, len(stale))
	for _, it := range stale {
		s.main.removeAt(it.index)
		delete(s.byID, it.job.ID)
		expired = append(expired, it.job)
	}
	return expired
}
