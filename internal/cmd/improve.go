package cmd

import (
	"fmt"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/herald/internal/improve"
	"github.com/rand/herald/internal/logging"
)

var improveCmd = &cobra.Command{
	Use:   "improve",
	Short: "Run one self-improvement cycle now",
	Long: heredoc.Doc(`
		Analyse the episodes recorded since the last cycle and write a
		strategy for every task whose failure rate is over the threshold.
		No LLM is consulted, so strategies carry the built-in
		recommendation only.
	`),
	Example: heredoc.Doc(`
		# Learn from recent failures without waiting for the schedule
		herald improve
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, cleanup, err := openMemoryStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		eng := improve.New(store,
			improve.WithConfig(improve.Config{Threshold: cfg.Improve.Threshold, MinSamples: cfg.Improve.MinSamples}),
			improve.WithLogger(logging.Discard()),
		)
		created, err := eng.Improve(cmd.Context())
		if err != nil {
			return fmt.Errorf("improvement cycle: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(created) == 0 {
			fmt.Fprintln(out, "No task is failing often enough to need a new strategy.")
			return nil
		}
		for _, e := range created {
			fmt.Fprintf(out, "#%d %s\n", e.ID, e.Content)
		}
		fmt.Fprintf(out, "\n%d %s recorded\n", len(created), plural(len(created), "strategy", "strategies"))
		return nil
	},
}
