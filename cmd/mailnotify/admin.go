package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/store"
	"github.com/tracyhatemice/mailnotify/internal/sweeper"
)

// commandTimeout bounds the one-shot maintenance commands.
const commandTimeout = 30 * time.Second

func statusCmd(configPath *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored message counts per account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			totals, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			byAccount, err := st.StatsByAccount(ctx)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"totals": totals, "by_account": byAccount})
			}

			out := cmd.OutOrStdout()
			labels := make([]string, 0, len(byAccount))
			for label := range byAccount {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			fmt.Fprintf(out, "%-24s %8s %8s %8s %12s\n", "ACCOUNT", "TOTAL", "HANDLED", "PENDING", "UNDELIVERED")
			for _, label := range labels {
				s := byAccount[label]
				fmt.Fprintf(out, "%-24s %8d %8d %8d %12d\n", label, s.Total, s.Handled, s.Pending, s.Undelivered)
			}
			fmt.Fprintf(out, "%-24s %8d %8d %8d %12d\n", "(all)", totals.Total, totals.Handled, totals.Pending, totals.Undelivered)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func purgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete handled records older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			n, err := sweeper.New(st, cfg.RetentionWindow(), 0, logger).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d handled records older than %d days\n", n, cfg.RetentionDays)
			return nil
		},
	}
}

func handledCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "handled <account> <message-id>",
		Short: "Mark a message handled and retract its notification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
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

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			key := store.Key{AccountID: args[0], MessageID: args[1]}
			transitioned, err := newCoordinator(cfg, st, out, logger).MarkHandled(ctx, key)
			if err != nil {
				return err
			}
			if transitioned {
				fmt.Fprintf(cmd.OutOrStdout(), "%s marked handled\n", key)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was already handled\n", key)
			}
			return nil
		},
	}
}
