package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	topic string
	body  []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []published
	err     error
	stopped bool
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, body: body})
	return nil
}

func (p *fakePublisher) Stop() { p.stopped = true }

var testTopics = Topics{Notify: "mail.notify", Retract: "mail.retract"}

func TestNSQSinkNotifyAndRetract(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNSQSinkFromPublisher(pub, testTopics)
	ctx := context.Background()

	n := Notification{AccountID: "sales", MessageID: "<1@x>", Sender: "a@x", Subject: "hi", Preview: "body"}
	handle, err := s.Notify(ctx, n)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if handle == "" {
		t.Fatal("empty handle")
	}
	if err := s.Retract(ctx, handle); err != nil {
		t.Fatalf("Retract: %v", err)
	}

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	if pub.msgs[0].topic != "mail.notify" || pub.msgs[1].topic != "mail.retract" {
		t.Errorf("topics = %s, %s", pub.msgs[0].topic, pub.msgs[1].topic)
	}

	var ev NotifyEvent
	if err := json.Unmarshal(pub.msgs[0].body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Handle != handle || ev.Notification != n {
		t.Errorf("notify event = %+v", ev)
	}
	var rev RetractEvent
	if err := json.Unmarshal(pub.msgs[1].body, &rev); err != nil {
		t.Fatal(err)
	}
	if rev.Handle != handle {
		t.Errorf("retract handle = %q, want %q", rev.Handle, handle)
	}

	s.Close()
	if !pub.stopped {
		t.Error("Close should stop the producer")
	}
}

func TestNSQSinkPublishFailure(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewNSQSinkFromPublisher(&fakePublisher{err: boom}, testTopics)

	_, err := s.Notify(context.Background(), Notification{AccountID: "a", MessageID: "1"})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Op != "notify" || !errors.Is(err, boom) {
		t.Fatalf("Notify error = %v", err)
	}
	err = s.Retract(context.Background(), "h")
	if !errors.As(err, &de) || de.Op != "retract" {
		t.Fatalf("Retract error = %v", err)
	}
}

func TestNSQSinkCancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNSQSinkFromPublisher(pub, testTopics)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Notify(ctx, Notification{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Notify error = %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Error("nothing should be published after cancellation")
	}
}

func TestLogSinkHandlesAreUnique(t *testing.T) {
	s := NewLogSink(discardLogger())
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		h, err := s.Notify(context.Background(), Notification{AccountID: "a"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[h] {
			t.Fatalf("duplicate handle %q", h)
		}
		seen[h] = true
	}
	if err := s.Retract(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}

type countingSink struct {
	mu       sync.Mutex
	notifies int
	retracts int
	deadline bool
}

func (c *countingSink) Notify(ctx context.Context, _ Notification) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies++
	_, c.deadline = ctx.Deadline()
	return "h", nil
}

func (c *countingSink) Retract(ctx context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retracts++
	_, c.deadline = ctx.Deadline()
	return nil
}

func TestLimitedPassesThroughWithDeadline(t *testing.T) {
	next := &countingSink{}
	l := NewLimited(next, 0, 0, time.Second)
	for i := 0; i < 5; i++ {
		if _, err := l.Notify(context.Background(), Notification{}); err != nil {
			t.Fatal(err)
		}
	}
	if next.notifies != 5 {
		t.Errorf("notifies = %d", next.notifies)
	}
	if !next.deadline {
		t.Error("per-call timeout not applied")
	}
}

func TestLimitedThrottles(t *testing.T) {
	next := &countingSink{}
	l := NewLimited(next, 0.001, 1, time.Second)

	if _, err := l.Notify(context.Background(), Notification{}); err != nil {
		t.Fatalf("first call within burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Notify(ctx, Notification{})
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("second call should fail waiting for the limiter, got %v", err)
	}
	if next.notifies != 1 {
		t.Errorf("notifies = %d, want 1", next.notifies)
	}
}

func TestLimitedQueuesConcurrentCallers(t *testing.T) {
	next := &countingSink{}
	// The queue drains in about 300ms, well past the per-call timeout.
	l := NewLimited(next, 50, 2, 20*time.Millisecond)

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := l.Notify(context.Background(), Notification{})
				errs <- err
				return
			}
			errs <- l.Retract(context.Background(), "h")
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("queued call failed: %v", err)
		}
	}
	if next.notifies != callers/2 || next.retracts != callers/2 {
		t.Errorf("notifies = %d, retracts = %d, want %d each", next.notifies, next.retracts, callers/2)
	}
	if !next.deadline {
		t.Error("per-call timeout not applied")
	}
}

func TestHandledConsumerHandle(t *testing.T) {
	var got []HandledSignal
	fail := errors.New("store down")
	var next error
	c := &HandledConsumer{
		logger: discardLogger(),
		handler: func(_ context.Context, sig HandledSignal) error {
			got = append(got, sig)
			return next
		},
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		body    string
		next    error
		wantErr bool
		calls   int
	}{
		{"valid", `{"account":"sales","message_id":"<1@x>"}`, nil, false, 1},
		{"malformed json", `{"account":`, nil, false, 0},
		{"missing key", `{"account":"sales"}`, nil, false, 0},
		{"handler drop", `{"account":"sales","message_id":"2"}`, ErrDropSignal, false, 1},
		{"handler failure requeues", `{"account":"sales","message_id":"3"}`, fail, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			next = tt.next
			err := c.handle(ctx, []byte(tt.body), 1)
			if (err != nil) != tt.wantErr {
				t.Fatalf("handle error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.calls {
				t.Fatalf("handler calls = %d, want %d", len(got), tt.calls)
			}
		})
	}
}

func TestNewHandledConsumerValidates(t *testing.T) {
	h := func(context.Context, HandledSignal) error { return nil }
	bad := []ConsumerConfig{
		{Channel: "c", NSQDAddr: "x:4150"},
		{Topic: "t", NSQDAddr: "x:4150"},
		{Topic: "t", Channel: "c"},
	}
	for _, cfg := range bad {
		if _, err := NewHandledConsumer(cfg, h, discardLogger()); err == nil {
			t.Errorf("config %+v should be rejected", cfg)
		}
	}
	if _, err := NewHandledConsumer(ConsumerConfig{Topic: "t", Channel: "c", NSQDAddr: "x:4150"}, nil, discardLogger()); err == nil {
		t.Error("nil handler should be rejected")
	}
}
