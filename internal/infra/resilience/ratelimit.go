package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SlidingWindow admits at most MaxRequests calls in any trailing Window.
// Callers over the limit wait for the oldest admission to age out; nothing
// is ever dropped. Safe for concurrent use.
type SlidingWindow struct {
	maxRequests int
	window      time.Duration

	mu     sync.Mutex
	stamps []time.Time

	waits  atomic.Int64
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(d time.Duration)
}

// WindowOption customizes a SlidingWindow.
type WindowOption func(*SlidingWindow)

// WithClock replaces the time source and sleeper, mainly for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) WindowOption {
	return func(w *SlidingWindow) {
		w.now = now
		w.sleep = sleep
	}
}

// WithWaitHook is called before every wait cycle with the planned delay.
func WithWaitHook(fn func(d time.Duration)) WindowOption {
	return func(w *SlidingWindow) {
		w.onWait = fn
	}
}

// NewSlidingWindow creates a limiter for maxRequests per window.
func NewSlidingWindow(maxRequests int, window time.Duration, opts ...WindowOption) *SlidingWindow {
	w := &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		stamps:      make([]time.Time, 0, maxRequests),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until the caller may issue one request, then records it.
// It only fails when ctx is done.
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.stamps) < w.maxRequests {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		delay := w.stamps[0].Add(w.window).Sub(now)
		w.mu.Unlock()

		w.waits.Add(1)
		if w.onWait != nil {
			w.onWait(delay)
		}
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Waits returns how many wait cycles callers have gone through.
func (w *SlidingWindow) Waits() int64 {
	return w.waits.Load()
}
