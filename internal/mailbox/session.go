package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/retry"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultIdleTimeout  = 25 * time.Minute
	defaultFetchTimeout = 2 * time.Minute
)

// Handler receives each non-filtered descriptor. A non-nil error aborts the
// batch and keeps the cursor where it was.
type Handler func(ctx context.Context, d Descriptor) error

// Observer is notified of session progress. Calls are made from the session
// goroutine and must not block.
type Observer interface {
	OnState(account string, s State)
	OnFetch(account string, handedOff int)
	OnError(account string, err error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Account      string
	Idle         bool
	PollInterval time.Duration
	IdleTimeout  time.Duration
	FetchTimeout time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration

	Dialer   Dialer
	Handler  Handler
	Filter   *Filter
	Observer Observer
	Logger   *slog.Logger
}

// Session keeps one account connected and hands new messages to a Handler.
type Session struct {
	cfg     SessionConfig
	backoff *retry.Backoff
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	cursor Cursor
}

// NewSession creates a Session. Zero durations get defaults.
func NewSession(cfg SessionConfig) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		backoff: retry.NewBackoff(cfg.BackoffMin, cfg.BackoffMax),
		logger:  logger.With("account", cfg.Account),
	}
}

// Account returns the account this session watches.
func (s *Session) Account() string {
	return s.cfg.Account
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the last committed cursor.
func (s *Session) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.logger.Debug("session state", "state", st)
		if s.cfg.Observer != nil {
			s.cfg.Observer.OnState(s.cfg.Account, st)
		}
	}
}

func (s *Session) report(err error) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnError(s.cfg.Account, err)
	}
}

// Run connects, fetches and waits until ctx is cancelled. Connection errors
// are retried with a capped backoff. Authentication failures are returned so
// the caller can flag the account and restart the session later. The cursor
// survives between calls to Run.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("starting session", "idle", s.cfg.Idle, "poll_interval", s.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			s.setState(Stopped)
			return nil
		}
		s.setState(Connecting)
		client, err := s.cfg.Dialer.Dial(ctx)
		if err == nil {
			err = s.serve(ctx, client)
			if cerr := client.Close(); cerr != nil {
				s.logger.Debug("close client", "error", cerr)
			}
		}
		s.setState(Disconnected)
		if ctx.Err() != nil {
			s.setState(Stopped)
			s.logger.Info("session stopped")
			return nil
		}

		s.report(err)
		if IsAuth(err) {
			s.logger.Error("authentication failed", "error", err)
			return err
		}
		delay := s.backoff.Next()
		s.logger.Warn("connection lost, retrying", "error", err, "delay", delay, "attempt", s.backoff.Attempt())
		if retry.Sleep(ctx, delay) != nil {
			s.setState(Stopped)
			return nil
		}
	}
}

// serve runs the fetch/wait cycle on one connection until it fails.
func (s *Session) serve(ctx context.Context, client Client) error {
	idle := s.cfg.Idle && client.SupportsIdle()
	if s.cfg.Idle && !idle {
		s.logger.Warn("server does not support IDLE, polling instead", "interval", s.cfg.PollInterval)
	}

	for {
		err := s.fetchNew(ctx, client)
		var herr *handoffError
		switch {
		case errors.As(err, &herr):
			// The connection is fine; retry the same range after a delay.
			s.report(err)
			delay := s.backoff.Next()
			s.logger.Warn("hand-off failed, cursor kept", "error", herr.Err, "msg_id", herr.MessageID, "delay", delay)
			if err := retry.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if idle {
			s.setState(IdleWait)
			woke, err := client.Wait(ctx, s.cfg.IdleTimeout)
			if err != nil {
				return err
			}
			s.logger.Debug("idle finished", "woken", woke)
		} else {
			s.setState(PollWait)
			if err := retry.Sleep(ctx, s.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

type handoffError struct {
	MessageID string
	Err       error
}

func (e *handoffError) Error() string {
	return fmt.Sprintf("hand off %s: %v", e.MessageID, e.Err)
}

func (e *handoffError) Unwrap() error {
	return e.Err
}

// fetchNew fetches past the cursor and hands every message to the Handler.
// The cursor only advances when the whole batch was handed off.
func (s *Session) fetchNew(ctx context.Context, client Client) error {
	s.setState(FetchingNew)

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	descs, next, err := client.Fetch(fctx, s.Cursor())
	cancel()
	if err != nil {
		return err
	}

	handed := 0
	for _, d := range descs {
		if reason, drop := s.cfg.Filter.Match(d); drop {
			s.logger.Debug("filtered", "msg_id", d.MessageID, "from", d.Sender, "reason", reason)
			continue
		}
		if err := s.cfg.Handler(ctx, d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &handoffError{MessageID: d.MessageID, Err: err}
		}
		handed++
	}

	s.mu.Lock()
	s.cursor = next
	s.mu.Unlock()
	s.backoff.Reset()

	if len(descs) > 0 {
		s.logger.Info(fmt.Sprintf("found %d new email(s)", len(descs)), "handed_off", handed)
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnFetch(s.cfg.Account, handed)
	}
	return nil
}
