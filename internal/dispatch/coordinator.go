// Package dispatch turns discovered messages into at-most-once notifications
// and withdraws them when a message is marked handled.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/mailbox"
	"github.com/tracyhatemice/mailnotify/internal/preview"
	"github.com/tracyhatemice/mailnotify/internal/retry"
	"github.com/tracyhatemice/mailnotify/internal/sink"
	"github.com/tracyhatemice/mailnotify/internal/store"
)

const (
	defaultStoreAttempts   = 5
	defaultRetractAttempts = 3
	defaultBatchSize       = 50
)

// Config tunes retries and redelivery.
type Config struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
	// StoreAttempts bounds retries of one transient storage failure.
	StoreAttempts int
	// RetractAttempts bounds retries of a failed Retract.
	RetractAttempts int

	Redelivery Redelivery

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Redelivery configures the retry queue for notifications the sink never
// accepted.
type Redelivery struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int
	// Grace is how old a record must be before redelivery touches it, so an
	// in-flight first delivery is not duplicated.
	Grace time.Duration
	// MaxAge stops redelivery of stale mail.
	MaxAge    time.Duration
	BatchSize int
}

// Coordinator is the single path from discovery to notification. It is safe
// for concurrent use by every mailbox session.
type Coordinator struct {
	locks     keyLocks
	store     store.Store
	sink      sink.Sink
	extractor *preview.Extractor
	cfg       Config
	logger    *slog.Logger
}

// New creates a Coordinator.
func New(st store.Store, sk sink.Sink, extractor *preview.Extractor, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.StoreAttempts <= 0 {
		cfg.StoreAttempts = defaultStoreAttempts
	}
	if cfg.RetractAttempts <= 0 {
		cfg.RetractAttempts = defaultRetractAttempts
	}
	if cfg.Redelivery.MaxAttempts <= 0 {
		cfg.Redelivery.MaxAttempts = defaultStoreAttempts
	}
	if cfg.Redelivery.BatchSize <= 0 {
		cfg.Redelivery.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if extractor == nil {
		extractor = preview.NewExtractor(preview.DefaultMaxLength)
	}
	return &Coordinator{
		store:     st,
		sink:      sk,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Observe records d and notifies the sink if d was not seen before. A
// duplicate is dropped silently. A sink failure is logged and leaves the
// record pending without a handle; it is not an error for the caller.
// Storage failures are retried and returned if they persist.
func (c *Coordinator) Observe(ctx context.Context, d mailbox.Descriptor) error {
	key := store.Key{AccountID: d.AccountID, MessageID: d.MessageID}.Normalize()
	if !key.Valid() {
		c.logger.Warn("dropping message without identity", "account", d.AccountID, "from", d.Sender)
		return nil
	}
	rec := store.MessageRecord{
		Key:              key,
		Sender:           d.Sender,
		Subject:          d.Subject,
		Preview:          c.extractor.Extract(d.Raw),
		FirstSeen:        c.cfg.Now(),
		DeliveryAttempts: 1,
	}

	unlock := c.locks.lock(key)
	defer unlock()

	err := c.withStore(ctx, "insert", func() error {
		return c.store.Insert(ctx, rec)
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		c.logger.Debug("already seen", "account", key.AccountID, "msg_id", key.MessageID)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = c.deliver(ctx, rec)
	return err
}

// deliver notifies the sink and stores the returned handle. It reports
// whether the sink accepted the notification. Callers hold the key lock so a
// concurrent MarkHandled sees the stored handle.
func (c *Coordinator) deliver(ctx context.Context, rec store.MessageRecord) (bool, error) {
	handle, err := c.sink.Notify(ctx, sink.Notification{
		AccountID: rec.AccountID,
		MessageID: rec.MessageID,
		Sender:    rec.Sender,
		Subject:   rec.Subject,
		Preview:   rec.Preview,
	})
	if err != nil {
		c.logger.Warn("notify failed, message left pending",
			"account", rec.AccountID,
			"msg_id", rec.MessageID,
			"error", err,
		)
		return false, nil
	}

	err = c.withStore(ctx, "set sink handle", func() error {
		return c.store.SetSinkHandle(ctx, rec.Key, handle)
	})
	if err != nil {
		c.logger.Error("sink handle lost, notification cannot be retracted",
			"account", rec.AccountID,
			"msg_id", rec.MessageID,
			"handle", handle,
			"error", err,
		)
		return true, err
	}

	c.logger.Info("notified",
		"account", rec.AccountID,
		"msg_id", rec.MessageID,
		"from", rec.Sender,
		"handle", handle,
	)
	return true, nil
}

// MarkHandled marks key handled. It reports whether this call performed the
// transition; only that call retracts the notification, and only if one was
// delivered. A missing key yields store.ErrNotFound. A retract failure is
// returned as a *sink.DeliveryError after the transition was recorded.
func (c *Coordinator) MarkHandled(ctx context.Context, key store.Key) (bool, error) {
	key = key.Normalize()
	var transitioned bool
	var rec store.MessageRecord
	unlock := c.locks.lock(key)
	err := c.withStore(ctx, "mark handled", func() error {
		var err error
		transitioned, rec, err = c.store.MarkHandled(ctx, key)
		return err
	})
	unlock()
	if err != nil {
		return false, err
	}
	if !transitioned {
		c.logger.Debug("already handled", "account", key.AccountID, "msg_id", key.MessageID)
		return false, nil
	}

	c.logger.Info("marked handled", "account", key.AccountID, "msg_id", key.MessageID)
	if rec.SinkHandle == "" {
		return true, nil
	}
	return true, c.retract(ctx, rec)
}

func (c *Coordinator) retract(ctx context.Context, rec store.MessageRecord) error {
	b := retry.NewBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	err := retry.Do(ctx, b, c.cfg.RetractAttempts, nil, func() error {
		return c.sink.Retract(ctx, rec.SinkHandle)
	})
	if err != nil {
		c.logger.Error("retract failed",
			"account", rec.AccountID,
			"msg_id", rec.MessageID,
			"handle", rec.SinkHandle,
			"error", err,
		)
		var de *sink.DeliveryError
		if !errors.As(err, &de) {
			err = &sink.DeliveryError{Op: "retract", Err: err}
		}
		return err
	}
	c.logger.Info("retracted", "account", rec.AccountID, "msg_id", rec.MessageID, "handle", rec.SinkHandle)
	return nil
}

// withStore runs fn, retrying transient storage failures with backoff.
func (c *Coordinator) withStore(ctx context.Context, op string, fn func() error) error {
	b := retry.NewBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	return retry.Do(ctx, b, c.cfg.StoreAttempts, store.IsTransient, func() error {
		err := fn()
		if store.IsTransient(err) {
			c.logger.Warn("storage failure", "op", op, "attempt", b.Attempt()+1, "error", err)
		}
		return err
	})
}

// keyLocks serializes delivery and the handled transition of one key.
// Entries live only while some caller holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[store.Key]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (l *keyLocks) lock(key store.Key) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[store.Key]*keyLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// held reports how many keys currently have a lock entry.
func (l *keyLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
