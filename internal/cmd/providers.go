package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/db"
	"github.com/rand/herald/internal/quota"
)

func init() {
	providersCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

type credentialRow struct {
	Rank   int    `json:"rank"`
	Masked string `json:"masked"`
	quota.State
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show provider credentials and their quota",
	Long: heredoc.Doc(`
		List every configured credential in rotation order with the usage
		the agent last persisted. Counters whose period has elapsed are shown
		as reset.
	`),
	Example: heredoc.Doc(`
		# Credential table
		herald providers
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := db.Open(cmd.Context(), db.Options{Path: cfg.DBPath(), CreateIfNotExists: true})
		if err != nil {
			return err
		}
		defer d.Close()

		saved, err := quota.NewStore(d.SQL()).Load(cmd.Context())
		if err != nil {
			return err
		}

		clk := clock.Real{}
		ledger := quota.NewLedger(cfg.Quota.Period.Std(), clk)
		var rows []credentialRow
		for rank, p := range cfg.Enabled() {
			if p.Limit <= 0 {
				continue
			}
			for _, key := range p.Keys {
				c := quota.NewCredential(p.Name, key, p.Limit, clk.Now())
				if st, ok := saved[c.KeyID]; ok {
					ledger.Restore(c, st)
				}
				rows = append(rows, credentialRow{
					Rank:   rank + 1,
					Masked: c.Masked(),
					State:  ledger.Snapshot(c),
				})
			}
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(out, "No credentials configured.")
			return nil
		}

		now := time.Now()
		fmt.Fprintf(out, "%-4s %-12s %-14s %-10s %13s  %s\n", "RANK", "PROVIDER", "KEY", "STATUS", "USED", "LAST USED")
		for _, r := range rows {
			last := "never"
			if !r.LastUsed.IsZero() {
				last = humanize.RelTime(r.LastUsed, now, "ago", "from now")
			}
			used := fmt.Sprintf("%s/%s", humanize.Comma(int64(r.Used)), humanize.Comma(int64(r.Limit)))
			fmt.Fprintf(out, "%-4d %-12s %-14s %-10s %13s  %s\n", r.Rank, r.Provider, r.Masked, r.Status, used, last)
			if r.LastError != "" {
				fmt.Fprintf(out, "     last error: %s\n", r.LastError)
			}
		}
		return nil
	},
}
