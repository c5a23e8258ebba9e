// Package store persists every discovered message and its handled state.
//
// The store is the dedup authority: Insert refuses a second record for the
// same (account, message) key, and MarkHandled performs the handled
// transition for exactly one caller.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDuplicateKey is returned by Insert when the key already exists.
	// It is a control signal, not a failure.
	ErrDuplicateKey = errors.New("duplicate message key")

	// ErrNotFound is returned when an operation targets an absent key.
	ErrNotFound = errors.New("message not found")
)

// StorageError wraps a backend I/O failure. Callers treat it as transient.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Key identifies one message of one account. The same provider message ID
// under two accounts is two distinct keys.
type Key struct {
	AccountID string `json:"account"`
	MessageID string `json:"message_id"`
}

func (k Key) String() string {
	return k.AccountID + "/" + k.MessageID
}

// Normalize trims surrounding whitespace and replaces invalid UTF-8 in both
// parts, so every backend compares keys byte for byte.
func (k Key) Normalize() Key {
	return Key{
		AccountID: validUTF8(strings.TrimSpace(k.AccountID)),
		MessageID: validUTF8(strings.TrimSpace(k.MessageID)),
	}
}

func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Valid reports whether both parts of the key are set.
func (k Key) Valid() bool {
	return k.AccountID != "" && k.MessageID != ""
}

// MessageRecord is the persisted state of one message.
// HandledAt is non-nil iff Handled is true.
type MessageRecord struct {
	Key
	Sender           string     `json:"sender"`
	Subject          string     `json:"subject"`
	Preview          string     `json:"preview"`
	FirstSeen        time.Time  `json:"first_seen"`
	SinkHandle       string     `json:"sink_handle,omitempty"`
	Handled          bool       `json:"handled"`
	HandledAt        *time.Time `json:"handled_at,omitempty"`
	DeliveryAttempts int        `json:"delivery_attempts"`
}

// sanitized returns r with its text columns made valid UTF-8; strict-mode
// MySQL rejects anything else.
func (r MessageRecord) sanitized() MessageRecord {
	r.Sender = validUTF8(r.Sender)
	r.Subject = validUTF8(r.Subject)
	r.Preview = validUTF8(r.Preview)
	return r
}

func (r MessageRecord) validate() error {
	if !r.Key.Valid() {
		return fmt.Errorf("record key %q is incomplete", r.Key)
	}
	if r.Handled != (r.HandledAt != nil) {
		return fmt.Errorf("record %s: handled flag and handled timestamp disagree", r.Key)
	}
	return nil
}

// Stats are aggregate counts over stored records.
type Stats struct {
	Total       int64 `json:"total" db:"total"`
	Handled     int64 `json:"handled" db:"handled"`
	Pending     int64 `json:"pending" db:"pending"`
	Undelivered int64 `json:"undelivered" db:"undelivered"`
}

// Store is the persistence contract shared by every backend. All methods
// are safe for concurrent use.
type Store interface {
	Exists(ctx context.Context, key Key) (bool, error)
	Get(ctx context.Context, key Key) (MessageRecord, error)

	// Insert creates a record; ErrDuplicateKey if the key is taken.
	Insert(ctx context.Context, rec MessageRecord) error

	// SetSinkHandle records the sink handle. Setting the same handle twice
	// is a no-op; ErrNotFound if the key is absent.
	SetSinkHandle(ctx context.Context, key Key, handle string) error

	// MarkHandled flips handled from false to true. transitioned is true
	// only for the caller that performed the flip.
	MarkHandled(ctx context.Context, key Key) (transitioned bool, rec MessageRecord, err error)

	// PurgeHandledOlderThan deletes handled records whose handled
	// timestamp is before t. Unhandled records are never removed.
	PurgeHandledOlderThan(ctx context.Context, t time.Time) (int64, error)

	// ListUndelivered returns unhandled records without a sink handle,
	// first seen within (seenAfter, seenBefore), with fewer than
	// maxAttempts delivery attempts, oldest first.
	ListUndelivered(ctx context.Context, seenAfter, seenBefore time.Time, maxAttempts, limit int) ([]MessageRecord, error)
	RecordDeliveryAttempt(ctx context.Context, key Key) error

	Stats(ctx context.Context) (Stats, error)
	StatsByAccount(ctx context.Context) (map[string]Stats, error)

	Close() error
}

// Option customizes a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for handled timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
