package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/arena/pkg/models"
)

func newTurnCmd() *cobra.Command {
	var (
		configPath     string
		userID         string
		tier           string
		prompt         string
		conversationID string
		reconsiderOf   string
	)

	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run one comparison turn locally and print each provider's answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			req := models.TurnRequest{
				ConversationID: conversationID,
				Tier:           models.Tier(tier),
				Prompt:         prompt,
				ReconsiderOf:   reconsiderOf,
			}
			if conversationID != "" {
				req.Mode = models.ModeFollowup
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, err := a.orch.Run(ctx, userID, req)
			if err != nil {
				return err
			}

			texts := make(map[string]*strings.Builder)
			var order []string
			terminal := make(map[string]models.Envelope)
			var done models.Envelope
			for ev := range events {
				switch ev.Kind {
				case models.KindToken:
					b, ok := texts[ev.Source]
					if !ok {
						b = &strings.Builder{}
						texts[ev.Source] = b
					}
					b.WriteString(ev.Text)
				case models.KindDone, models.KindError, models.KindSkipped:
					terminal[ev.Source] = ev
					order = append(order, ev.Source)
					fmt.Fprintf(os.Stderr, "%s: %s %s\n", ev.Source, ev.Kind, ev.Cause)
				case models.KindTurnComplete:
					done = ev
				}
			}

			for _, src := range order {
				fmt.Printf("=== %s (%s) ===\n", src, terminal[src].Kind)
				if b, ok := texts[src]; ok {
					fmt.Println(b.String())
				}
				fmt.Println()
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TURN\tSTATUS\tCREDITS\tCAUSE")
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", done.TurnID, done.Status, done.CreditsCharged, done.Cause)
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "user to bill")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierStandard), "tier: standard or expert")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text (or reconsider instruction)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue this conversation as a follow-up")
	cmd.Flags().StringVar(&reconsiderOf, "reconsider-of", "", "reconsider the given turn")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
