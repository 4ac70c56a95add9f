package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

func init() {
	logsCmd.Flags().IntP("lines", "n", 20, "Number of trailing lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing lines as they are written")
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the agent log file",
	Long:  "Print the end of the file configured as log.file, optionally following it across rotations",
	Example: heredoc.Doc(`
		# Follow a running agent
		herald logs -f
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.Log.File
		if path == "" {
			return errors.New("the agent logs to stderr; set log.file to keep a log file")
		}

		out := cmd.OutOrStdout()
		if err := printLastLines(out, path, n); err != nil {
			return err
		}
		if !follow {
			return nil
		}

		t, err := tail.TailFile(path, tail.Config{
			Follow:   true,
			ReOpen:   true,
			Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
			Logger:   tail.DiscardingLogger,
		})
		if err != nil {
			return fmt.Errorf("follow %s: %w", path, err)
		}
		defer t.Cleanup()
		defer t.Stop()

		ctx := cmd.Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-t.Lines:
				if !ok {
					return t.Err()
				}
				if line.Err != nil {
					return line.Err
				}
				fmt.Fprintln(out, line.Text)
			}
		}
	},
}

func printLastLines(w io.Writer, path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	ring := make([]string, 0, max(n, 0))
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if n <= 0 {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	for _, line := range ring {
		fmt.Fprintln(w, line)
	}
	return nil
}
