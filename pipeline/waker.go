package pipeline

import (
	"context"
	"time"
)

// Waker blocks idle executors until new work may be available for a run.
//
// The store has no notification channel of its own, so the default waker
// simply sleeps. Implementations with a push channel must still return
// after a bounded time: a Notify can be missed, and the caller always
// re-checks the store after Wait returns.
type Waker interface {
	// Wait blocks until a notification for runID arrives, a timeout passes
	// or ctx is done. It returns ctx.Err() in the last case.
	Wait(ctx context.Context, runID int64) error

	// Notify signals that a step of runID finished or was inserted.
	Notify(ctx context.Context, runID int64) error
}

// PollWaker waits for a fixed interval and ignores notifications.
type PollWaker struct {
	Interval time.Duration
}

// Wait implements Waker.
func (p *PollWaker) Wait(ctx context.Context, _ int64) error {
	d := p.Interval
	if d <= 0 {
		d = DefaultPollInterval
	}
	return sleepCtx(ctx, d)
}

// Notify implements Waker.
func (p *PollWaker) Notify(context.Context, int64) error { return nil }
