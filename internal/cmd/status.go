package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rand/herald/internal/scheduler"
	"github.com/rand/herald/internal/status"
)

func init() {
	statusCmd.Flags().StringP("addr", "a", "", "Status endpoint (default: status.addr from the configuration)")
	statusCmd.Flags().BoolP("file", "f", false, "Read the last report written by the status_report task instead")
	statusCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running agent",
	Long: heredoc.Doc(`
		Show task timing, provider quota and activity counters. The snapshot
		comes from the status endpoint of a running agent, or with --file
		from the report the status_report task last wrote.
	`),
	Example: heredoc.Doc(`
		# Query the local agent
		herald status

		# Read the last written report
		herald status --file --json
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		fromFile, _ := cmd.Flags().GetBool("file")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var snap *status.Snapshot
		if fromFile {
			snap, err = status.ReadReport(cfg.StatusReportPath())
		} else {
			if addr == "" {
				addr = cfg.Status.Addr
			}
			client := &http.Client{Timeout: 10 * time.Second}
			snap, err = status.Fetch(cmd.Context(), client, addr)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printStatus(out, snap, time.Now())
		return nil
	},
}

func printStatus(w io.Writer, s *status.Snapshot, now time.Time) {
	fmt.Fprintf(w, "Agent %s\n", s.InstanceID)
	if s.Machine != "" {
		fmt.Fprintf(w, "  Machine:          %.12s\n", s.Machine)
	}
	fmt.Fprintf(w, "  Started:          %s (up %s)\n", humanize.RelTime(s.Started, now, "ago", "from now"), s.Uptime)
	fmt.Fprintf(w, "  Task runs:        %s (%s failed)\n", humanize.Comma(s.TasksRun), humanize.Comma(s.TasksFailed))
	if s.LastImprovement.IsZero() {
		fmt.Fprintln(w, "  Last improvement: never")
	} else {
		fmt.Fprintf(w, "  Last improvement: %s\n", humanize.RelTime(s.LastImprovement, now, "ago", "from now"))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Providers:")
	for _, p := range s.Providers {
		fmt.Fprintf(w, "  %d. %-12s %8s remaining  %d available  %d exhausted  %d invalid\n",
			p.Rank, p.Name, humanize.Comma(int64(p.Remaining)), p.Available, p.Exhausted, p.Invalid)
	}
	fmt.Fprintf(w, "  Calls: %s  Exhaustions: %s\n",
		humanize.Comma(s.Rotator.TotalCalls), humanize.Comma(s.Rotator.TotalExhausted))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Tasks:")
	tasks := slices.Clone(s.Tasks)
	slices.SortStableFunc(tasks, func(a, b scheduler.TaskStatus) int { return a.NextDue.Compare(b.NextDue) })
	for _, t := range tasks {
		last := "never"
		if !t.LastRun.IsZero() {
			last = humanize.RelTime(t.LastRun, now, "ago", "from now")
		}
		fmt.Fprintf(w, "  %-24s %-9s last %-16s next %s\n",
			t.Name, t.LastResult, last, humanize.RelTime(t.NextDue, now, "ago", "from now"))
	}
	fmt.Fprintln(w)

	k := s.KPI
	fmt.Fprintln(w, "Activity:")
	fmt.Fprintf(w, "  Posts %d  Articles %d  Emails %d  Contests %d  Rejected %d  Improvements %d\n",
		k.PostsPublished, k.ArticlesPublished, k.EmailsDrafted, k.ContestsChecked, k.PublishRejected, k.ImprovementsApplied)
}
