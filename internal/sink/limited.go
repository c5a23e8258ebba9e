package sink

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited throttles calls to an underlying Sink and bounds each call with a
// timeout, so a slow transport cannot stall the caller indefinitely. Time
// spent queued on the limiter is bounded only by the caller's context.
type Limited struct {
	next    Sink
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited wraps next. A non-positive perSecond disables throttling and a
// non-positive timeout disables the per-call deadline.
func NewLimited(next Sink, perSecond float64, burst int, timeout time.Duration) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
	}
}

func (l *Limited) Notify(ctx context.Context, n Notification) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", deliveryErr("notify", err)
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	return l.next.Notify(ctx, n)
}

func (l *Limited) Retract(ctx context.Context, handle string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return deliveryErr("retract", err)
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	return l.next.Retract(ctx, handle)
}

func (l *Limited) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}
