// Package mailbox watches a single mail account and produces descriptors for
// newly arrived messages.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Descriptor is one newly discovered message.
type Descriptor struct {
	AccountID string
	Label     string
	// MessageID is the provider-assigned identifier: the Message-ID header,
	// or a synthetic one when the header is missing.
	MessageID string
	UID       uint32
	Sender    string
	Subject   string
	Date      time.Time
	Raw       []byte
	// Auto holds auto-response headers keyed by lower-cased name.
	Auto map[string]string
}

// Cursor is the session-local high-water mark. It only limits how much of the
// mailbox is rescanned; the store decides what is new.
type Cursor struct {
	UIDValidity uint32
	UID         uint32
	// Since bounds date-window fetches: the first IMAP fetch and every POP3
	// fetch.
	Since time.Time
}

// IsZero reports whether no fetch has been committed yet.
func (c Cursor) IsZero() bool {
	return c.UIDValidity == 0 && c.UID == 0 && c.Since.IsZero()
}

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	IdleWait
	PollWait
	FetchingNew
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case IdleWait:
		return "idle-wait"
	case PollWait:
		return "poll-wait"
	case FetchingNew:
		return "fetching"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connected reports whether s implies a live connection.
func (s State) Connected() bool {
	return s == IdleWait || s == PollWait || s == FetchingNew
}

// Client is one authenticated connection to a mailbox.
type Client interface {
	// Fetch returns messages past cur and the cursor to commit once all of
	// them were handed off.
	Fetch(ctx context.Context, cur Cursor) ([]Descriptor, Cursor, error)
	// Wait blocks until the server reports new data, timeout elapses or ctx
	// is done. It reports whether it was woken by the server.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	SupportsIdle() bool
	Close() error
}

// Dialer opens authenticated clients.
type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}

// AuthError is returned when the server rejects the account's credentials.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnError is a transient network or protocol failure.
type ConnError struct {
	Account string
	Op      string
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Account, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
