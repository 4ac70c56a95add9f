package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rand/herald/internal/memory"
)

func init() {
	// memory query flags
	memoryQueryCmd.Flags().StringP("kind", "k", "", "Filter by kind (episodic, semantic, procedural, strategic)")
	memoryQueryCmd.Flags().StringP("task", "t", "", "Filter by task name")
	memoryQueryCmd.Flags().StringSliceP("tag", "g", nil, "Match entries carrying any of these tags")
	memoryQueryCmd.Flags().StringP("outcome", "o", "", "Filter by outcome (success, failure)")
	memoryQueryCmd.Flags().DurationP("since", "s", 0, "Only entries newer than this (e.g. 24h)")
	memoryQueryCmd.Flags().IntP("limit", "n", 20, "Show the newest N matching entries")
	memoryQueryCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	// memory prune flags
	memoryPruneCmd.Flags().Duration("max-age", 0, "Remove entries older than this (default: memory.max_age)")
	memoryPruneCmd.Flags().Int("max-entries", 0, "Keep only the newest N entries (default: memory.max_entries)")

	// memory export flags
	memoryExportCmd.Flags().StringP("output", "O", "", "Output file (default: stdout)")

	memoryCmd.AddCommand(
		memoryQueryCmd,
		memoryStatsCmd,
		memoryPruneCmd,
		memoryExportCmd,
	)
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Memory management commands",
	Long:  "Commands for inspecting and maintaining the agent's memory store",
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query memory",
	Long:  "List the newest memory entries matching every given filter",
	Example: heredoc.Doc(`
		# Failed runs of the morning post in the last day
		herald memory query -t social_media_morning -o failure -s 24h

		# Strategies the improvement loop recorded
		herald memory query -k strategic -j
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := queryFilter(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		_, store, cleanup, err := openMemoryStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := store.Latest(cmd.Context(), f, limit)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(out, e)
		}
		return nil
	},
}

func queryFilter(cmd *cobra.Command) (memory.Filter, error) {
	kind, _ := cmd.Flags().GetString("kind")
	task, _ := cmd.Flags().GetString("task")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	outcome, _ := cmd.Flags().GetString("outcome")
	since, _ := cmd.Flags().GetDuration("since")

	f := memory.Filter{Task: task, TagsAny: tags}
	if kind != "" {
		k, err := memory.ParseKind(kind)
		if err != nil {
			return f, err
		}
		f.Kind = k
	}
	switch memory.Outcome(outcome) {
	case memory.OutcomeNone, memory.OutcomeSuccess, memory.OutcomeFailure:
		f.Outcome = memory.Outcome(outcome)
	default:
		return f, fmt.Errorf("unknown outcome %q", outcome)
	}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f, nil
}

func printEntry(w io.Writer, e memory.Entry) {
	head := fmt.Sprintf("#%d %s %s", e.ID, e.Kind, humanize.Time(e.CreatedAt))
	if e.Task != "" {
		head += " " + e.Task
	}
	if e.Outcome != memory.OutcomeNone {
		head += " [" + string(e.Outcome) + "]"
	}
	fmt.Fprintln(w, head)

	content := e.Content
	if len(content) > 200 {
		content = content[:200] + "..."
	}
	fmt.Fprintf(w, "    %s\n", content)
	if len(e.Tags) > 0 {
		fmt.Fprintf(w, "    tags: %s\n", strings.Join(e.Tags, ", "))
	}
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics",
	Long:  "Display entry counts by kind and the age of the store",
	Example: heredoc.Doc(`
		# Show memory statistics
		herald memory stats
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openMemoryStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Memory Statistics")
		fmt.Fprintln(out, "=================")
		fmt.Fprintf(out, "Total entries: %s\n", humanize.Comma(stats.Total))
		if !stats.Oldest.IsZero() {
			fmt.Fprintf(out, "Oldest:        %s\n", humanize.Time(stats.Oldest))
			fmt.Fprintf(out, "Newest:        %s\n", humanize.Time(stats.Newest))
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Entries by Kind:")
		for _, k := range memory.Kinds {
			fmt.Fprintf(out, "  %-12s %s\n", string(k)+":", humanize.Comma(stats.ByKind[k]))
		}
		return nil
	},
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy",
	Long:  "Remove entries older than max-age, then all but the newest max-entries",
	Example: heredoc.Doc(`
		# Apply the configured policy now
		herald memory prune

		# Keep only the last 30 days
		herald memory prune --max-age 720h
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, cleanup, err := openMemoryStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		policy := memory.Policy{
			MaxAge:     cfg.Memory.MaxAge.Std(),
			MaxEntries: cfg.Memory.MaxEntries,
		}
		if cmd.Flags().Changed("max-age") {
			policy.MaxAge, _ = cmd.Flags().GetDuration("max-age")
		}
		if cmd.Flags().Changed("max-entries") {
			policy.MaxEntries, _ = cmd.Flags().GetInt("max-entries")
		}

		removed, err := store.Prune(cmd.Context(), policy)
		if err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %s\n", humanize.Comma(int64(removed)), plural(removed, "entry", "entries"))
		return nil
	},
}

var memoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export memory as JSON lines",
	Long:  "Write every entry, oldest first, as one JSON object per line",
	Example: heredoc.Doc(`
		# Export to stdout
		herald memory export

		# Export to file
		herald memory export -O memory.jsonl
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		_, store, cleanup, err := openMemoryStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		enc := json.NewEncoder(w)
		n := 0
		for e, err := range store.Query(cmd.Context(), memory.Filter{}) {
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			n++
		}

		if output != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d %s to %s\n", n, plural(n, "entry", "entries"), output)
		}
		return nil
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
