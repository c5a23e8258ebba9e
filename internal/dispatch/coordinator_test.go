package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/mailbox"
	"github.com/tracyhatemice/mailnotify/internal/preview"
	"github.com/tracyhatemice/mailnotify/internal/sink"
	"github.com/tracyhatemice/mailnotify/internal/store"
	"github.com/tracyhatemice/mailnotify/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store store.Store
	sink  *testutil.FakeSink
	clock *testutil.Clock
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	st := testutil.NewTestStore(t, store.WithClock(clock.Now))
	return newFixtureWithStore(t, st, clock)
}

func newFixtureWithStore(t *testing.T, st store.Store, clock *testutil.Clock) *fixture {
	t.Helper()
	fs := &testutil.FakeSink{}
	coord := New(st, fs, preview.NewExtractor(600), Config{
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
		Redelivery: Redelivery{
			Enabled:     true,
			Interval:    time.Hour,
			MaxAttempts: 3,
			Grace:       2 * time.Minute,
			MaxAge:      24 * time.Hour,
		},
		Now: clock.Now,
	}, discardLogger())
	return &fixture{store: st, sink: fs, clock: clock, coord: coord}
}

func descriptor(account, id string) mailbox.Descriptor {
	raw := "From: Ann <ann@example.com>\r\nSubject: Quote\r\nMessage-ID: " + id + "\r\n\r\nPlease call me back.\r\n"
	return mailbox.Descriptor{
		AccountID: account,
		Label:     account,
		MessageID: id,
		Sender:    "Ann <ann@example.com>",
		Subject:   "Quote",
		Raw:       []byte(raw),
	}
}

func TestObserveNotifiesNewMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.coord.Observe(ctx, descriptor("sales", "<1@x>")); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	got := f.sink.Notified()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	want := sink.Notification{AccountID: "sales", MessageID: "<1@x>", Sender: "Ann <ann@example.com>", Subject: "Quote", Preview: "Please call me back."}
	if got[0] != want {
		t.Errorf("notification = %+v, want %+v", got[0], want)
	}

	rec, err := f.store.Get(ctx, store.Key{AccountID: "sales", MessageID: "<1@x>"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.SinkHandle != "msg-001" || rec.Handled || !rec.FirstSeen.Equal(f.clock.Now()) {
		t.Errorf("record = %+v", rec)
	}
}

func TestConcurrentObserveNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	d := descriptor("sales", "<dup@x>")

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.coord.Observe(context.Background(), d); err != nil {
				t.Errorf("Observe: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.sink.Notified()); n != 1 {
		t.Fatalf("notifications = %d, want exactly 1", n)
	}
}

func TestConcurrentMarkHandledRetractsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := store.Key{AccountID: "sales", MessageID: "<press@x>"}
	if err := f.coord.Observe(ctx, descriptor(key.AccountID, key.MessageID)); err != nil {
		t.Fatal(err)
	}

	const workers = 10
	var transitions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.coord.MarkHandled(ctx, key)
			if err != nil {
				t.Errorf("MarkHandled: %v", err)
			}
			if ok {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()

	if transitions.Load() != 1 {
		t.Fatalf("transitions = %d, want 1", transitions.Load())
	}
	if r := f.sink.Retracted(); len(r) != 1 || r[0] != "msg-001" {
		t.Fatalf("retracted = %v, want [msg-001]", r)
	}

	// A third signal after the race is still a no-op.
	ok, err := f.coord.MarkHandled(ctx, key)
	if err != nil || ok {
		t.Fatalf("repeat MarkHandled = %v, %v", ok, err)
	}
	if r := f.sink.Retracted(); len(r) != 1 {
		t.Fatalf("retracted = %v after repeat", r)
	}
}

func TestMarkHandledWithoutHandleDoesNotRetract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := store.Key{AccountID: "sales", MessageID: "<nohandle@x>"}
	if err := f.store.Insert(ctx, store.MessageRecord{Key: key}); err != nil {
		t.Fatal(err)
	}

	ok, err := f.coord.MarkHandled(ctx, key)
	if err != nil || !ok {
		t.Fatalf("MarkHandled = %v, %v", ok, err)
	}
	if r := f.sink.Retracted(); len(r) != 0 {
		t.Fatalf("retracted %v, want nothing", r)
	}
}

func TestMarkHandledUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.MarkHandled(context.Background(), store.Key{AccountID: "sales", MessageID: "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSameProviderIDUnderTwoAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, acct := range []string{"A", "B"} {
		if err := f.coord.Observe(ctx, descriptor(acct, "42")); err != nil {
			t.Fatal(err)
		}
	}
	got := f.sink.Notified()
	if len(got) != 2 || got[0].AccountID != "A" || got[1].AccountID != "B" {
		t.Fatalf("notifications = %+v", got)
	}
	st, err := f.store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 {
		t.Errorf("total = %d, want 2", st.Total)
	}
}

func TestNotifyFailureLeavesPendingAndDedups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := descriptor("sales", "<flaky@x>")
	key := store.Key{AccountID: d.AccountID, MessageID: d.MessageID}

	f.sink.SetNotifyErr(&sink.DeliveryError{Op: "notify", Err: errors.New("network unreachable")})
	if err := f.coord.Observe(ctx, d); err != nil {
		t.Fatalf("sink failure must not fail Observe: %v", err)
	}

	rec, err := f.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("record should persist: %v", err)
	}
	if rec.Handled || rec.SinkHandle != "" {
		t.Fatalf("record = %+v, want pending without handle", rec)
	}

	f.sink.SetNotifyErr(nil)
	if err := f.coord.Observe(ctx, d); err != nil {
		t.Fatal(err)
	}
	if n := len(f.sink.Notified()); n != 0 {
		t.Fatalf("re-observation dispatched %d notifications, want 0", n)
	}
}

func TestObserveDropsDescriptorWithoutID(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.Observe(context.Background(), descriptor("sales", "")); err != nil {
		t.Fatal(err)
	}
	if n := len(f.sink.Notified()); n != 0 {
		t.Fatalf("notifications = %d", n)
	}
}

// flakyStore fails selected operations with a transient error.
type flakyStore struct {
	store.Store
	mu          sync.Mutex
	insertFails int
}

func (s *flakyStore) Insert(ctx context.Context, rec store.MessageRecord) error {
	s.mu.Lock()
	if s.insertFails > 0 {
		s.insertFails--
		s.mu.Unlock()
		return &store.StorageError{Op: "insert", Err: errors.New("database is locked")}
	}
	s.mu.Unlock()
	return s.Store.Insert(ctx, rec)
}

func TestObserveRetriesTransientStorageErrors(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	fs := &flakyStore{Store: testutil.NewTestStore(t), insertFails: 2}
	f := newFixtureWithStore(t, fs, clock)

	if err := f.coord.Observe(context.Background(), descriptor("sales", "<retry@x>")); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if n := len(f.sink.Notified()); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
}

func TestObserveReturnsPersistentStorageError(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	fs := &flakyStore{Store: testutil.NewTestStore(t), insertFails: 100}
	f := newFixtureWithStore(t, fs, clock)

	err := f.coord.Observe(context.Background(), descriptor("sales", "<down@x>"))
	if !store.IsTransient(err) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if n := len(f.sink.Notified()); n != 0 {
		t.Fatalf("notifications = %d, want 0", n)
	}
}

func TestRetractFailureIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := store.Key{AccountID: "sales", MessageID: "<r@x>"}
	if err := f.coord.Observe(ctx, descriptor(key.AccountID, key.MessageID)); err != nil {
		t.Fatal(err)
	}

	f.sink.RetractErr = errors.New("chat api down")
	ok, err := f.coord.MarkHandled(ctx, key)
	if !ok {
		t.Fatal("transition should be recorded even if retract fails")
	}
	var de *sink.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if n := len(f.sink.Retracted()); n != defaultRetractAttempts {
		t.Errorf("retract attempts = %d, want %d", n, defaultRetractAttempts)
	}
	rec, _ := f.store.Get(ctx, key)
	if !rec.Handled {
		t.Error("record should be handled")
	}
}

// gatedSink blocks Notify for one message ID until release is closed.
type gatedSink struct {
	testutil.FakeSink
	slowID  string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSink) Notify(ctx context.Context, n sink.Notification) (string, error) {
	if n.MessageID == g.slowID {
		close(g.entered)
		<-g.release
	}
	return g.FakeSink.Notify(ctx, n)
}

func TestSlowDeliveryDoesNotBlockOtherKeys(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	st := testutil.NewTestStore(t, store.WithClock(clock.Now))
	gs := &gatedSink{slowID: "<slow@x>", entered: make(chan struct{}), release: make(chan struct{})}
	coord := New(st, gs, nil, Config{BackoffMin: time.Millisecond, BackoffMax: time.Millisecond, Now: clock.Now}, discardLogger())

	slowDone := make(chan error, 1)
	go func() { slowDone <- coord.Observe(context.Background(), descriptor("sales", "<slow@x>")) }()
	<-gs.entered

	// Enough distinct keys that any fixed striping would collide with the
	// blocked one.
	const others = 200
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < others; i++ {
		d := descriptor(fmt.Sprintf("acct-%d", i), fmt.Sprintf("<%d@x>", i))
		if err := coord.Observe(ctx, d); err != nil {
			t.Fatalf("Observe %s while another key is delivering: %v", d.MessageID, err)
		}
	}
	if n := len(gs.Notified()); n != others {
		t.Errorf("notifications = %d, want %d", n, others)
	}

	close(gs.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow Observe: %v", err)
	}
	if n := coord.locks.held(); n != 0 {
		t.Errorf("%d lock entries left after all callers finished", n)
	}
}

func TestObserveAndMarkHandledShareNormalizedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := descriptor("sales", " <latin\xe9@x>\r\n")
	if err := f.coord.Observe(ctx, d); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	got := f.sink.Notified()
	if len(got) != 1 || got[0].MessageID != "<latin\uFFFD@x>" {
		t.Fatalf("notifications = %+v", got)
	}

	// A second sighting with different surrounding whitespace is a duplicate.
	if err := f.coord.Observe(ctx, descriptor("sales", "<latin\xe9@x>")); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if n := len(f.sink.Notified()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}

	transitioned, err := f.coord.MarkHandled(ctx, store.Key{AccountID: "sales", MessageID: "<latin\xe9@x> "})
	if err != nil || !transitioned {
		t.Fatalf("MarkHandled = %v, %v", transitioned, err)
	}
	if r := f.sink.Retracted(); len(r) != 1 {
		t.Errorf("retracted = %v", r)
	}
}
