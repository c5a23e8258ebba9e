package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/tracyhatemice/mailnotify/internal/sink"
)

// FakeSink records every Notify and Retract call. Handles are "msg-001",
// "msg-002" and so on, in call order.
type FakeSink struct {
	mu        sync.Mutex
	notified  []sink.Notification
	retracted []string
	seq       int

	// NotifyErr, when set, is returned by Notify instead of a handle.
	NotifyErr error
	// RetractErr, when set, is returned by Retract after recording the call.
	RetractErr error
}

// Notify records n and returns the next handle.
func (f *FakeSink) Notify(_ context.Context, n sink.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotifyErr != nil {
		return "", f.NotifyErr
	}
	f.seq++
	f.notified = append(f.notified, n)
	return fmt.Sprintf("msg-%03d", f.seq), nil
}

// Retract records handle.
func (f *FakeSink) Retract(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, handle)
	return f.RetractErr
}

// Notified returns a copy of the recorded notifications.
func (f *FakeSink) Notified() []sink.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sink.Notification(nil), f.notified...)
}

// Retracted returns a copy of the recorded retract handles.
func (f *FakeSink) Retracted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.retracted...)
}

// SetNotifyErr changes the Notify failure under the lock.
func (f *FakeSink) SetNotifyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NotifyErr = err
}
