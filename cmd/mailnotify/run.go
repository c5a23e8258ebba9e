package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/dispatch"
	"github.com/tracyhatemice/mailnotify/internal/httpapi"
	"github.com/tracyhatemice/mailnotify/internal/mailbox"
	"github.com/tracyhatemice/mailnotify/internal/preview"
	"github.com/tracyhatemice/mailnotify/internal/sink"
	"github.com/tracyhatemice/mailnotify/internal/store"
	"github.com/tracyhatemice/mailnotify/internal/sweeper"
	"github.com/tracyhatemice/mailnotify/internal/watcher"
)

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch every configured account until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	logger := setupLogger(cfg.LogLevel)
	logger.Info("mailnotify starting", "accounts", len(cfg.Accounts), "store", cfg.Store.Driver, "sink", cfg.Sink.Kind)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	out, closeSink, err := openSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	coord := newCoordinator(cfg, st, out, logger)

	filter, err := mailbox.NewFilter(cfg.Filter.Patterns)
	if err != nil {
		return fmt.Errorf("compile filter: %w", err)
	}

	pool := watcher.New(cfg.Backoff.Min.Std(), cfg.Backoff.Max.Std(), logger)
	for _, acct := range cfg.Accounts {
		pool.Add(mailbox.NewSession(mailbox.SessionConfig{
			Account:      acct.ID(),
			Idle:         acct.Idle(),
			PollInterval: acct.GetPollInterval(),
			IdleTimeout:  acct.GetIdleTimeout(),
			BackoffMin:   cfg.Backoff.Min.Std(),
			BackoffMax:   cfg.Backoff.Max.Std(),
			Dialer:       newDialer(acct, logger),
			Handler:      coord.Observe,
			Filter:       filter,
			Observer:     pool,
			Logger:       logger,
		}))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error(name+" stopped", "error", err)
			}
		}()
	}

	start("watchers", func(ctx context.Context) error { pool.Run(ctx); return nil })
	start("redelivery", func(ctx context.Context) error { coord.RunRedelivery(ctx); return nil })
	sw := sweeper.New(st, cfg.RetentionWindow(), cfg.SweepInterval.Std(), logger)
	start("sweeper", func(ctx context.Context) error { sw.Run(ctx); return nil })

	if cfg.HTTP.Addr != "" {
		srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(pool, st, coord, logger), logger)
		start("http server", srv.Run)
	}

	if cfg.Sink.Kind == config.SinkNSQ {
		consumer, err := sink.NewHandledConsumer(sink.ConsumerConfig{
			Topic:    cfg.Sink.HandledTopic,
			Channel:  cfg.Sink.HandledChannel,
			NSQDAddr: cfg.Sink.NSQDAddr,
		}, handledFunc(coord, logger), logger)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		start("handled consumer", consumer.Run)
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for watchers to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	wg.Wait()
	logger.Info("mailnotify stopped")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(store.Config{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openSink returns the configured sink behind a rate limiter.
func openSink(cfg *config.Config, logger *slog.Logger) (sink.Sink, func(), error) {
	var next sink.Sink
	closeFn := func() {}
	switch cfg.Sink.Kind {
	case config.SinkNSQ:
		ns, err := sink.NewNSQSink(cfg.Sink.NSQDAddr, sink.Topics{
			Notify:  cfg.Sink.NotifyTopic,
			Retract: cfg.Sink.RetractTopic,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		next, closeFn = ns, ns.Close
	case config.SinkSMTP:
		next = sink.NewSMTPSink(sink.SMTPConfig{
			Host:     cfg.Sink.SMTP.Host,
			Port:     cfg.Sink.SMTP.Port,
			Username: cfg.Sink.SMTP.Username,
			Password: cfg.Sink.SMTP.Password,
			UseTLS:   cfg.Sink.SMTP.UseTLS,
			From:     cfg.Sink.SMTP.From,
			To:       cfg.Sink.SMTP.To,
		}, logger)
	default:
		next = sink.NewLogSink(logger)
	}
	return sink.NewLimited(next, cfg.Sink.RatePerSecond, cfg.Sink.Burst, cfg.Sink.Timeout.Std()), closeFn, nil
}

func newCoordinator(cfg *config.Config, st store.Store, out sink.Sink, logger *slog.Logger) *dispatch.Coordinator {
	return dispatch.New(st, out, preview.NewExtractor(cfg.Preview.MaxLength), dispatch.Config{
		BackoffMin: cfg.Backoff.Min.Std(),
		BackoffMax: cfg.Backoff.Max.Std(),
		Redelivery: dispatch.Redelivery{
			Enabled:     cfg.Redelivery.Enabled,
			Interval:    cfg.Redelivery.Interval.Std(),
			MaxAttempts: cfg.Redelivery.MaxAttempts,
			Grace:       cfg.Redelivery.Grace.Std(),
			MaxAge:      cfg.Redelivery.MaxAge.Std(),
		},
	}, logger)
}

func newDialer(acct config.Account, logger *slog.Logger) mailbox.Dialer {
	if acct.Protocol == config.ProtocolPOP3 {
		return &mailbox.POP3Dialer{
			Account:     acct.ID(),
			Host:        acct.Host,
			Port:        acct.Port,
			Username:    acct.Username,
			Password:    acct.Password,
			UseTLS:      acct.UseTLS,
			CatchupDays: acct.GetCatchupDays(),
			Logger:      logger,
		}
	}
	return &mailbox.IMAPDialer{
		Account:     acct.ID(),
		Host:        acct.Host,
		Port:        acct.Port,
		Username:    acct.Username,
		Password:    acct.Password,
		UseTLS:      acct.UseTLS,
		Folder:      acct.GetFolder(),
		CatchupDays: acct.GetCatchupDays(),
		Logger:      logger,
	}
}

// handledFunc applies handled signals from the chat side. Unknown keys are
// dropped; retract failures are logged and not requeued because the
// transition already happened.
func handledFunc(coord *dispatch.Coordinator, logger *slog.Logger) sink.HandledFunc {
	return func(ctx context.Context, sig sink.HandledSignal) error {
		key := store.Key{AccountID: sig.AccountID, MessageID: sig.MessageID}
		_, err := coord.MarkHandled(ctx, key)
		var de *sink.DeliveryError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &de):
			logger.Warn("retract after handled signal failed", "account", key.AccountID, "msg_id", key.MessageID, "error", err)
			return nil
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: %s", sink.ErrDropSignal, key)
		default:
			return err
		}
	}
}
