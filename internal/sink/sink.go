// Package sink delivers notifications about new mail to the outside world and
// withdraws them once the mail is handled.
package sink

import (
	"context"
	"fmt"
)

// Notification carries the display fields of one newly seen message.
type Notification struct {
	AccountID string `json:"account"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`
	Preview   string `json:"preview"`
}

// Sink is the outbound notification transport. Notify returns an opaque handle
// that Retract later accepts.
type Sink interface {
	Notify(ctx context.Context, n Notification) (string, error)
	Retract(ctx context.Context, handle string) error
}

// DeliveryError wraps a failed Notify or Retract.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func deliveryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Op: op, Err: err}
}
