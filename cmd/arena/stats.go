package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/store"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		since      string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show provider usage and outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()

			// Turn list for one user
			if userID != "" {
				turns, err := st.Turns(ctx, userID, 50)
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					fmt.Println("No turns found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TURN\tCONVERSATION\tMODE\tTIER\tSTATUS\tCREDITS\tCREATED")
				for _, t := range turns {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						t.ID, t.ConversationID, t.Mode, t.Tier, t.Status, t.CreditsCharged, t.CreatedAt.Format("2006-01-02T15:04:05"))
				}
				return w.Flush()
			}

			var from time.Time
			if since != "" {
				from, err = time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			}

			summaries, err := st.Summary(ctx, from)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tCALLS\tSUCCEEDED\tINPUT\tOUTPUT")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					s.Provider, s.Model, s.CallCount, s.SuccessCount, s.InputTokens, s.OutputTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&userID, "user", "", "list this user's turns instead")
	return cmd
}
