// Package cmd implements the herald command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/herald/internal/config"
	"github.com/rand/herald/internal/db"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/memory"
)

// Version is set at build time.
var Version = "dev"

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default: ./herald.yaml, then <data-dir>/herald.yaml)")
	rootCmd.PersistentFlags().StringP("data-dir", "D", "", "Data directory (default: ~/.herald)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file with provider keys")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")

	rootCmd.AddCommand(
		runCmd,
		statusCmd,
		memoryCmd,
		configCmd,
		providersCmd,
		improveCmd,
		logsCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Always-on book marketing agent",
	Long: heredoc.Doc(`
		Herald runs scheduled marketing tasks for a book catalogue. It rotates
		across free-tier LLM providers, remembers what happened in every run
		and learns from repeated failures.
	`),
	Example: heredoc.Doc(`
		# Run the agent until interrupted
		herald run

		# Check a running agent
		herald status
	`),
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the configuration selected by the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	envFile, _ := cmd.Flags().GetString("env-file")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(config.Options{
		Path:    path,
		EnvFile: envFile,
		DataDir: dataDir,
		Debug:   debug,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Commands other than run log
// warnings only unless --debug is set.
func newLogger(cmd *cobra.Command, cfg *config.Config, quiet bool) (*slog.Logger, io.Closer, error) {
	lc := cfg.Log
	if debug, _ := cmd.Flags().GetBool("debug"); quiet && !debug {
		lc.Level = "warn"
		lc.File = ""
	}
	return logging.New(lc)
}

// openMemoryStore opens the agent database for commands that inspect it
// without starting the agent.
func openMemoryStore(cmd *cobra.Command) (*config.Config, *memory.Store, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := newLogger(cmd, cfg, true)
	if err != nil {
		return nil, nil, nil, err
	}

	d, err := db.Open(cmd.Context(), db.Options{Path: cfg.DBPath(), CreateIfNotExists: true})
	if err != nil {
		closer.Close()
		return nil, nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	store := memory.NewStore(d.SQL(), memory.WithLogger(logging.ForComponent(logger, "memory")))

	cleanup := func() {
		d.Close()
		closer.Close()
	}
	return cfg, store, cleanup, nil
}
