package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/ledger"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and credit user balances",
	}

	cmd.AddCommand(
		newLedgerBalanceCmd(),
		newLedgerEntriesCmd(),
		newLedgerTopUpCmd(),
		newLedgerPendingCmd(),
	)
	return cmd
}

func openLedger(configPath string) (*ledger.SQLiteLedger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, err := ledger.New(cfg.DBPath, newLogger(cfg.Log))
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func newLedgerBalanceCmd() *cobra.Command {
	var configPath, userID string

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's confirmed and available balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openLedger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			bal, err := l.Balance(ctx, userID)
			if err != nil {
				return err
			}
			avail, err := l.Available(ctx, userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tBALANCE\tAVAILABLE\tRESERVED")
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", userID, bal, avail, bal-avail)
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLedgerEntriesCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List a user's ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openLedger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Entries(context.Background(), userID, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No ledger entries found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY ID\tKIND\tAMOUNT\tSTATE\tTURN\tCREATED\tFINALIZED")
			for _, e := range entries {
				finalized := "-"
				if e.FinalizedAt != nil {
					finalized = e.FinalizedAt.Format("2006-01-02T15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%+d\t%s\t%s\t%s\t%s\n",
					e.ID, e.Kind, e.Amount, e.State, e.TurnID, e.CreatedAt.Format("2006-01-02T15:04:05"), finalized)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to show")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLedgerTopUpCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		amount     int64
		key        string
	)

	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Credit a user's balance from a payment event",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openLedger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if key == "" {
				key = uuid.NewString()
			}
			entry, err := l.TopUp(context.Background(), userID, amount, key)
			if err != nil {
				return err
			}
			fmt.Printf("Credited %d to %s (entry %s).\n", entry.Amount, entry.UserID, entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to add")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "payment event ID; replays are ignored")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newLedgerPendingCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List reservations still pending, for reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openLedger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Pending(context.Background(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No pending reservations.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY ID\tUSER\tAMOUNT\tTURN\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%+d\t%s\t%s\n",
					e.ID, e.UserID, e.Amount, e.TurnID, e.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "only show reservations older than this")
	return cmd
}
