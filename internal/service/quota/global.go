package quota

import (
	"sync"
	"time"
)

// MinuteWindow tracks the global per-minute request count and token budget.
// The dispatcher is the single writer (Note, Allow); ingress reads a cached
// snapshot (Snapshot) that may lag by up to snapTTL. This split eliminates
// races between admit and dispatch without a distributed counter.
type MinuteWindow struct {
	mu          sync.Mutex
	windowStart time.Time
	requests    int64
	tokens      int64

	snapTTL  time.Duration
	snapAt   time.Time
	snapReq  int64
	snapTok  int64
}

// NewMinuteWindow constructs a MinuteWindow with the given reader snapshot TTL.
func NewMinuteWindow(snapTTL time.Duration) *MinuteWindow {
	if snapTTL <= 0 {
		snapTTL = 5 * time.Second
	}
	return &MinuteWindow{snapTTL: snapTTL}
}

// roll resets counters when the minute boundary has passed. Caller holds mu.
func (w *MinuteWindow) roll(now time.Time) {
	start := MinuteStart(now)
	if !start.Equal(w.windowStart) {
		w.windowStart = start
		w.requests = 0
		w.tokens = 0
	}
}

// Note records one dispatched request and its token consumption.
func (w *MinuteWindow) Note(now time.Time, tokens int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	w.requests++
	w.tokens += tokens
}

// AddTokens adds measured token usage to the current window, used when the
// true count arrives after the call completes.
func (w *MinuteWindow) AddTokens(now time.Time, tokens int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	w.tokens += tokens
}

// Allow is the dispatcher's exact pre-dispatch check: it reports whether one
// more request of estTokens fits in the current minute, and if not, how long
// to wait.
func (w *MinuteWindow) Allow(now time.Time, reqCap, tokCap, estTokens int64) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	if reqCap > 0 && w.requests >= reqCap {
		return false, UntilNextMinute(now)
	}
	if tokCap > 0 && w.tokens+estTokens > tokCap {
		return false, UntilNextMinute(now)
	}
	return true, 0
}

// Snapshot returns the cached window counters for ingress-side checks. The
// snapshot may lag writes by up to the snapshot TTL.
func (w *MinuteWindow) Snapshot(now time.Time) (requests, tokens int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.snapAt) < w.snapTTL && MinuteStart(now).Equal(w.windowStart) {
		return w.snapReq, w.snapTok
	}
	w.roll(now)
	w.snapAt = now
	w.snapReq = w.requests
	w.snapTok = w.tokens
	return w.snapReq, w.snapTok
}
