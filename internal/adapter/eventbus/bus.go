// Package eventbus is the in-process job status bus: topic-per-job
// publish/subscribe with non-blocking delivery. It is not a durable log; the
// job store is the recovery source of truth.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/domain"
)

// subscriberBuffer bounds per-subscriber delivery. Slow subscribers drop
// non-terminal events; they recover terminal state via query.
const subscriberBuffer = 16

// Mirror receives a copy of every published event, e.g. for export to an
// external transport. Implementations must not block.
type Mirror interface {
	MirrorEvent(ctx context.Context, ev domain.Event)
}

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

// Bus implements domain.EventBus.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
	mirror Mirror
}

// New constructs a Bus. mirror may be nil.
func New(mirror Mirror) *Bus {
	return &Bus{topics: map[string][]*subscriber{}, mirror: mirror}
}

// Publish delivers ev to every current subscriber of the job. Delivery is
// best-effort per subscriber and never blocks the publisher. A terminal
// event closes the job's topic.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	if b.mirror != nil {
		b.mirror.MirrorEvent(ctx, ev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[ev.JobID]
	if len(subs) == 0 {
		return
	}
	for _, s := range subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Debug("dropping status event for slow subscriber",
				slog.String("job_id", ev.JobID), slog.String("kind", string(ev.Kind)))
		}
	}
	if ev.Kind.Terminal() {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(b.topics, ev.JobID)
	}
}

// Subscribe registers a new subscriber for one job. The returned cancel
// function is idempotent.
func (b *Bus) Subscribe(jobID string) (<-chan domain.Event, func()) {
	s := &subscriber{ch: make(chan domain.Event, subscriberBuffer)}
	b.mu.Lock()
	b.topics[jobID] = append(b.topics[jobID], s)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[jobID]
			for i, cur := range subs {
				if cur == s {
					b.topics[jobID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[jobID]) == 0 {
				delete(b.topics, jobID)
			}
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		})
	}
	return s.ch, cancel
}
