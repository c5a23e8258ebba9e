package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/mailbox"
	"github.com/tracyhatemice/mailnotify/internal/sink"
	"github.com/tracyhatemice/mailnotify/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandledFunc(t *testing.T) {
	cfg := config.Default()
	st := testutil.NewTestStore(t)
	fs := &testutil.FakeSink{}
	coord := newCoordinator(cfg, st, fs, discardLogger())
	fn := handledFunc(coord, discardLogger())
	ctx := context.Background()

	err := coord.Observe(ctx, mailbox.Descriptor{AccountID: "sales", Label: "sales", MessageID: "<1@x>", Raw: []byte("\r\nhi\r\n")})
	if err != nil {
		t.Fatal(err)
	}

	if err := fn(ctx, sink.HandledSignal{AccountID: "sales", MessageID: "<1@x>"}); err != nil {
		t.Fatalf("handled: %v", err)
	}
	if got := fs.Retracted(); len(got) != 1 {
		t.Fatalf("retracted = %v", got)
	}

	if err := fn(ctx, sink.HandledSignal{AccountID: "sales", MessageID: "<1@x>"}); err != nil {
		t.Fatalf("repeat signal: %v", err)
	}
	if got := fs.Retracted(); len(got) != 1 {
		t.Errorf("repeat signal retracted again: %v", got)
	}

	err = fn(ctx, sink.HandledSignal{AccountID: "sales", MessageID: "<missing@x>"})
	if !errors.Is(err, sink.ErrDropSignal) {
		t.Errorf("unknown key error = %v, want ErrDropSignal", err)
	}
}

func TestNewDialer(t *testing.T) {
	if _, ok := newDialer(config.Account{Protocol: config.ProtocolPOP3}, discardLogger()).(*mailbox.POP3Dialer); !ok {
		t.Error("pop3 account should get a POP3 dialer")
	}
	d, ok := newDialer(config.Account{Label: "ops", Protocol: config.ProtocolIMAP}, discardLogger()).(*mailbox.IMAPDialer)
	if !ok {
		t.Fatal("imap account should get an IMAP dialer")
	}
	if d.Folder != "INBOX" || d.CatchupDays != 1 || d.Account != "ops" {
		t.Errorf("dialer = %+v", d)
	}
}
