package sink

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSink writes notifications to the log instead of a transport.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n Notification) (string, error) {
	handle := uuid.NewString()
	s.logger.Info("new mail",
		"handle", handle,
		"account", n.AccountID,
		"msg_id", n.MessageID,
		"from", n.Sender,
		"subject", n.Subject,
		"preview", n.Preview,
	)
	return handle, nil
}

func (s *LogSink) Retract(_ context.Context, handle string) error {
	s.logger.Info("retract notification", "handle", handle)
	return nil
}
