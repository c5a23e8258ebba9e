package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/mailbox"
	"github.com/tracyhatemice/mailnotify/internal/store"
)

// idleClient is an IDLE-capable mailbox client whose server announces one
// new message when the test wakes it.
type idleClient struct {
	wake    chan struct{}
	mu      sync.Mutex
	pending []mailbox.Descriptor
	waits   int
}

func (c *idleClient) Fetch(_ context.Context, cur mailbox.Cursor) ([]mailbox.Descriptor, mailbox.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	descs := c.pending
	c.pending = nil
	next := cur
	for _, d := range descs {
		if d.UID > next.UID {
			next.UID = d.UID
		}
	}
	return descs, next, nil
}

func (c *idleClient) Wait(ctx context.Context, _ time.Duration) (bool, error) {
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.wake:
		return true, nil
	}
}

func (c *idleClient) waitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

func (c *idleClient) SupportsIdle() bool { return true }
func (c *idleClient) Close() error       { return nil }

type idleDialer struct{ client *idleClient }

func (d idleDialer) Dial(context.Context) (mailbox.Client, error) { return d.client, nil }

func TestIdleInterruptToRetractScenario(t *testing.T) {
	f := newFixture(t)
	client := &idleClient{wake: make(chan struct{}, 1)}
	session := mailbox.NewSession(mailbox.SessionConfig{
		Account:     "sales",
		Idle:        true,
		IdleTimeout: time.Hour,
		Dialer:      idleDialer{client: client},
		Handler:     f.coord.Observe,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitUntil(t, func() bool { return session.State() == mailbox.IdleWait && client.waitCount() == 1 })

	// Five idle minutes later the server reports a new message.
	f.clock.Advance(5 * time.Minute)
	client.mu.Lock()
	client.pending = []mailbox.Descriptor{descriptor("sales", "<scenario@x>")}
	client.pending[0].UID = 1
	client.mu.Unlock()
	client.wake <- struct{}{}

	waitUntil(t, func() bool { return len(f.sink.Notified()) == 1 })
	waitUntil(t, func() bool { return session.Cursor().UID == 1 })

	key := store.Key{AccountID: "sales", MessageID: "<scenario@x>"}
	rec, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SinkHandle != "msg-001" {
		t.Fatalf("sink handle = %q, want msg-001", rec.SinkHandle)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.coord.MarkHandled(context.Background(), key); err != nil {
			t.Fatal(err)
		}
	}
	if r := f.sink.Retracted(); len(r) != 1 || r[0] != "msg-001" {
		t.Fatalf("retracted = %v, want exactly [msg-001]", r)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
