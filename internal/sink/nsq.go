package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
)

const userAgent = "mailnotify"

// Publisher is the subset of *nsq.Producer used by NSQSink.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// Topics names the NSQ topics a sink publishes to.
type Topics struct {
	Notify  string
	Retract string
}

// NotifyEvent is the JSON body published on the notify topic.
type NotifyEvent struct {
	Handle string `json:"handle"`
	Notification
}

// RetractEvent is the JSON body published on the retract topic.
type RetractEvent struct {
	Handle string `json:"handle"`
}

// NSQSink publishes notifications to nsqd. Subscribers render them and use
// the handle to withdraw them later.
type NSQSink struct {
	pub    Publisher
	topics Topics
}

// NewNSQSink connects a producer to the nsqd at addr.
func NewNSQSink(addr string, topics Topics, logger *slog.Logger) (*NSQSink, error) {
	if topics.Notify == "" || topics.Retract == "" {
		return nil, errors.New("notify and retract topics are required")
	}
	cfg := nsq.NewConfig()
	cfg.UserAgent = userAgent
	p, err := nsq.NewProducer(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	p.SetLogger(newNSQLogger(logger), nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("ping nsqd %s: %w", addr, err)
	}
	return NewNSQSinkFromPublisher(p, topics), nil
}

// NewNSQSinkFromPublisher wraps an existing publisher.
func NewNSQSinkFromPublisher(pub Publisher, topics Topics) *NSQSink {
	return &NSQSink{pub: pub, topics: topics}
}

// Notify publishes n under a fresh handle. go-nsq has no context support, so
// ctx is only checked before publishing.
func (s *NSQSink) Notify(ctx context.Context, n Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", deliveryErr("notify", err)
	}
	handle := uuid.NewString()
	body, err := json.Marshal(NotifyEvent{Handle: handle, Notification: n})
	if err != nil {
		return "", deliveryErr("notify", err)
	}
	if err := s.pub.Publish(s.topics.Notify, body); err != nil {
		return "", deliveryErr("notify", err)
	}
	return handle, nil
}

func (s *NSQSink) Retract(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return deliveryErr("retract", err)
	}
	body, err := json.Marshal(RetractEvent{Handle: handle})
	if err != nil {
		return deliveryErr("retract", err)
	}
	return deliveryErr("retract", s.pub.Publish(s.topics.Retract, body))
}

// Close stops the producer.
func (s *NSQSink) Close() {
	if s.pub != nil {
		s.pub.Stop()
	}
}

// nsqLogger routes go-nsq's internal log lines into slog.
type nsqLogger struct {
	logger *slog.Logger
}

func newNSQLogger(logger *slog.Logger) *nsqLogger {
	return &nsqLogger{logger: logger.With("component", "nsq")}
}

func (l *nsqLogger) Output(_ int, s string) error {
	switch {
	case strings.HasPrefix(s, "ERR"):
		l.logger.Error(strings.TrimSpace(s[3:]))
	case strings.HasPrefix(s, "WRN"):
		l.logger.Warn(strings.TrimSpace(s[3:]))
	case strings.HasPrefix(s, "INF"):
		l.logger.Info(strings.TrimSpace(s[3:]))
	default:
		l.logger.Debug(strings.TrimSpace(strings.TrimPrefix(s, "DBG")))
	}
	return nil
}
