package dispatch

import (
	"context"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/store"
)

// Redeliver retries Notify for records that never got a sink handle. It
// returns how many the sink accepted in this pass.
func (c *Coordinator) Redeliver(ctx context.Context) (int, error) {
	rd := c.cfg.Redelivery
	now := c.cfg.Now()
	after := time.Unix(0, 0)
	if rd.MaxAge > 0 {
		after = now.Add(-rd.MaxAge)
	}
	recs, err := c.store.ListUndelivered(ctx, after, now.Add(-rd.Grace), rd.MaxAttempts, rd.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ok, err := c.redeliverOne(ctx, rec)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

func (c *Coordinator) redeliverOne(ctx context.Context, rec store.MessageRecord) (bool, error) {
	unlock := c.locks.lock(rec.Key)
	defer unlock()

	// The listing is a snapshot; the record may have been handled or
	// delivered since.
	latest, err := c.store.Get(ctx, rec.Key)
	if err != nil {
		return false, err
	}
	if latest.Handled || latest.SinkHandle != "" {
		return false, nil
	}
	if err := c.store.RecordDeliveryAttempt(ctx, rec.Key); err != nil {
		return false, err
	}
	latest.DeliveryAttempts++
	c.logger.Info("redelivering", "account", rec.AccountID, "msg_id", rec.MessageID, "attempt", latest.DeliveryAttempts)
	return c.deliver(ctx, latest)
}

// RunRedelivery calls Redeliver every interval until ctx is cancelled.
func (c *Coordinator) RunRedelivery(ctx context.Context) {
	rd := c.cfg.Redelivery
	if !rd.Enabled {
		return
	}
	interval := rd.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	c.logger.Info("starting redelivery", "interval", interval, "max_attempts", rd.MaxAttempts)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("redelivery stopped")
			return
		case <-ticker.C:
			n, err := c.Redeliver(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("redelivery failed", "error", err)
			}
			if n > 0 {
				c.logger.Info("redelivered", "count", n)
			}
		}
	}
}
