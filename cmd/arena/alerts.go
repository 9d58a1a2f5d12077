package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/arena/pkg/alert"
	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
)

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Review ledger finalization faults awaiting reconciliation",
	}

	cmd.AddCommand(
		newAlertsListCmd(),
		newAlertsResolveCmd(),
		newAlertsStatsCmd(),
		newAlertsCleanupCmd(),
	)
	return cmd
}

func openAlertLog(configPath string) (*alert.Log, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, err := alert.New(cfg.DBPath, cfg.Alerts.RetentionDays, newLogger(cfg.Log))
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func newAlertsListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		all        bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finalization faults",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAlertLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			faults, err := l.Query(context.Background(), models.FaultQuery{
				UserID:     userID,
				Unresolved: !all,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			fmt.Print(formatFaults(faults))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved faults")
	cmd.Flags().IntVar(&limit, "limit", 50, "max faults to return")
	return cmd
}

func newAlertsResolveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resolve <fault-id>",
		Short: "Mark a fault as reconciled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAlertLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := l.Resolve(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Resolved fault %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	return cmd
}

func newAlertsStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show fault counts by operation and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAlertLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No faults recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tOPERATION\tCOUNT\tOPEN")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Day, s.Operation, s.Count, s.Open)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	return cmd
}

func newAlertsCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete resolved faults older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAlertLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d resolved faults.\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	return cmd
}

func formatFaults(faults []models.Fault) string {
	if len(faults) == 0 {
		return "No faults found.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FAULT ID\tCREATED\tUSER\tTURN\tENTRY\tOP\tAMOUNT\tATTEMPTS\tRESOLVED\tERROR")
	for _, f := range faults {
		resolved := "-"
		if f.ResolvedAt != nil {
			resolved = f.ResolvedAt.Format("2006-01-02T15:04:05")
		}
		errMsg := f.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			f.ID, f.CreatedAt.Format("2006-01-02T15:04:05"), f.UserID, f.TurnID, f.EntryID,
			f.Operation, f.Amount, f.Attempts, resolved, errMsg)
	}
	_ = w.Flush()
	return b.String()
}
