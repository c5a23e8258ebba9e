package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
)

const defaultHandleTimeout = 30 * time.Second

// ErrDropSignal tells the consumer to finish a message without requeueing it.
var ErrDropSignal = errors.New("drop handled signal")

// HandledSignal is the JSON body consumed from the handled topic.
type HandledSignal struct {
	AccountID string `json:"account"`
	MessageID string `json:"message_id"`
}

// HandledFunc processes one handled signal. Returning an error requeues the
// message unless it wraps ErrDropSignal.
type HandledFunc func(ctx context.Context, sig HandledSignal) error

// ConsumerConfig configures a HandledConsumer.
type ConsumerConfig struct {
	Topic         string
	Channel       string
	NSQDAddr      string
	MaxInFlight   int
	HandleTimeout time.Duration
}

// HandledConsumer subscribes to handled signals published by the chat side
// when a user acknowledges a notification.
type HandledConsumer struct {
	cfg      ConsumerConfig
	consumer *nsq.Consumer
	handler  HandledFunc
	logger   *slog.Logger
}

// NewHandledConsumer validates cfg and creates the underlying consumer.
func NewHandledConsumer(cfg ConsumerConfig, handler HandledFunc, logger *slog.Logger) (*HandledConsumer, error) {
	switch {
	case cfg.Topic == "":
		return nil, errors.New("topic is required")
	case cfg.Channel == "":
		return nil, errors.New("channel is required")
	case cfg.NSQDAddr == "":
		return nil, errors.New("nsqd address is required")
	case handler == nil:
		return nil, errors.New("handler is required")
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}

	nc := nsq.NewConfig()
	nc.UserAgent = userAgent
	if cfg.MaxInFlight > 0 {
		nc.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nc)
	if err != nil {
		return nil, fmt.Errorf("create nsq consumer: %w", err)
	}
	consumer.SetLogger(newNSQLogger(logger), nsq.LogLevelWarning)

	c := &HandledConsumer{cfg: cfg, consumer: consumer, handler: handler, logger: logger}
	consumer.AddHandler(nsq.HandlerFunc(c.handleMessage))
	return c, nil
}

// Run connects to nsqd and blocks until ctx is cancelled.
func (c *HandledConsumer) Run(ctx context.Context) error {
	if err := c.consumer.ConnectToNSQD(c.cfg.NSQDAddr); err != nil {
		return fmt.Errorf("connect to nsqd %s: %w", c.cfg.NSQDAddr, err)
	}
	c.logger.Info("handled consumer connected", "topic", c.cfg.Topic, "channel", c.cfg.Channel)

	select {
	case <-ctx.Done():
	case <-c.consumer.StopChan:
		return errors.New("nsq consumer stopped")
	}
	c.consumer.Stop()
	<-c.consumer.StopChan
	return nil
}

func (c *HandledConsumer) handleMessage(m *nsq.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
	defer cancel()
	return c.handle(ctx, m.Body, m.Attempts)
}

// handle returns nil for anything that should not be retried.
func (c *HandledConsumer) handle(ctx context.Context, body []byte, attempts uint16) error {
	sig, err := decodeHandled(body)
	if err != nil {
		c.logger.Warn("dropping malformed handled signal", "error", err, "body", string(body))
		return nil
	}
	if err := c.handler(ctx, sig); err != nil {
		if errors.Is(err, ErrDropSignal) {
			c.logger.Warn("dropping handled signal", "account", sig.AccountID, "msg_id", sig.MessageID, "error", err)
			return nil
		}
		c.logger.Error("handled signal failed", "account", sig.AccountID, "msg_id", sig.MessageID, "attempts", attempts, "error", err)
		return err
	}
	return nil
}

func decodeHandled(body []byte) (HandledSignal, error) {
	var sig HandledSignal
	if err := json.Unmarshal(body, &sig); err != nil {
		return sig, fmt.Errorf("decode json: %w", err)
	}
	sig.AccountID = strings.TrimSpace(sig.AccountID)
	sig.MessageID = strings.TrimSpace(sig.MessageID)
	if sig.AccountID == "" || sig.MessageID == "" {
		return sig, errors.New("account and message_id are required")
	}
	return sig, nil
}
