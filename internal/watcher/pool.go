// Package watcher supervises one mailbox session per configured account.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/mailbox"
	"github.com/tracyhatemice/mailnotify/internal/retry"
)

// Runner is a restartable account worker. *mailbox.Session implements it.
type Runner interface {
	Account() string
	Run(ctx context.Context) error
}

// Health is the externally visible status of one account.
type Health struct {
	Label               string     `json:"label"`
	State               string     `json:"state"`
	Connected           bool       `json:"connected"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Restarts            int        `json:"restarts"`
	Degraded            bool       `json:"degraded"`
	LastError           string     `json:"last_error,omitempty"`
}

// Pool runs its runners concurrently and restarts each one independently
// after it fails. It also implements mailbox.Observer to track health.
type Pool struct {
	backoffMin time.Duration
	backoffMax time.Duration
	logger     *slog.Logger
	now        func() time.Time

	runners []Runner

	mu     sync.RWMutex
	health map[string]*Health
	// successes counts completed fetches per account; the supervisor resets
	// its backoff when a run made progress.
	successes map[string]int
}

// New creates an empty Pool. backoffMin and backoffMax bound the restart delay.
func New(backoffMin, backoffMax time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		logger:     logger,
		now:        time.Now,
		health:     make(map[string]*Health),
		successes:  make(map[string]int),
	}
}

// Add registers a runner. Add must not be called after Run.
func (p *Pool) Add(r Runner) {
	p.runners = append(p.runners, r)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[r.Account()] = &Health{Label: r.Account(), State: mailbox.Disconnected.String()}
}

// Run starts every runner and blocks until all have exited after ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range p.runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.supervise(ctx, r)
		}()
	}
	wg.Wait()
	p.logger.Info("all watchers stopped")
}

// supervise reruns r with its own backoff until ctx is cancelled.
func (p *Pool) supervise(ctx context.Context, r Runner) {
	account := r.Account()
	b := retry.NewBackoff(p.backoffMin, p.backoffMax)

	for {
		before := p.successCount(account)
		err := runSafe(ctx, r)
		if ctx.Err() != nil {
			return
		}
		var pe *panicError
		switch {
		case err == nil:
			err = fmt.Errorf("session for %s exited unexpectedly", account)
			p.OnError(account, err)
		case errors.As(err, &pe):
			// Sessions report their own failures; a panic bypassed that.
			p.OnError(account, err)
		}
		if p.successCount(account) > before {
			b.Reset()
		}

		delay := b.Next()
		p.mu.Lock()
		p.health[account].Restarts++
		p.mu.Unlock()
		p.logger.Error("watcher failed, restarting",
			"account", account,
			"error", err,
			"delay", delay,
			"degraded", mailbox.IsAuth(err),
		)
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("watcher panic: %v", e.value)
}

// runSafe converts a panic in r into an error so one account cannot take
// the process down.
func runSafe(ctx context.Context, r Runner) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v}
		}
	}()
	return r.Run(ctx)
}

func (p *Pool) successCount(account string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.successes[account]
}

// OnState implements mailbox.Observer.
func (p *Pool) OnState(account string, s mailbox.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[account]; ok {
		h.State = s.String()
		h.Connected = s.Connected()
	}
}

// OnFetch implements mailbox.Observer.
func (p *Pool) OnFetch(account string, _ int) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[account]; ok {
		h.LastSuccess = &now
		h.ConsecutiveFailures = 0
		h.Degraded = false
		h.LastError = ""
	}
	p.successes[account]++
}

// OnError implements mailbox.Observer.
func (p *Pool) OnError(account string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[account]; ok {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		if mailbox.IsAuth(err) {
			h.Degraded = true
		}
	}
}

// Health returns a snapshot of every account in registration order.
func (p *Pool) Health() []Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Health, 0, len(p.runners))
	for _, r := range p.runners {
		h := *p.health[r.Account()]
		if h.LastSuccess != nil {
			t := *h.LastSuccess
			h.LastSuccess = &t
		}
		out = append(out, h)
	}
	return out
}
