package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/herald/internal/agent"
	"github.com/rand/herald/internal/skills"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	Long: heredoc.Doc(`
		Run the scheduler, and the status endpoint when enabled, until
		interrupted. Task timing, credential usage and memory persist in the
		data directory, so a restarted agent picks up where it stopped.
	`),
	Example: heredoc.Doc(`
		# Run with ./herald.yaml or ~/.herald/herald.yaml
		herald run

		# Run with a specific configuration and data directory
		herald run -c prod.yaml -D /var/lib/herald
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(skills.Builtin...); err != nil {
			return err
		}

		logger, closer, err := newLogger(cmd, cfg, false)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := agent.New(ctx, cfg, agent.WithLogger(logger))
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Run(ctx)
	},
}
