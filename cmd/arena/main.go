package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "arena",
		Short:   "Side-by-side LLM comparison with credit billing",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newTurnCmd(),
		newLedgerCmd(),
		newStatsCmd(),
		newAlertsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
