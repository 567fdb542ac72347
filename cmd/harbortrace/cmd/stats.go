package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-sink delivery counters of a running harbortrace",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := newRequest(http.MethodGet, "/v1/stats", nil)
		if err != nil {
			return err
		}
		resp, err := httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("stats request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("stats request failed: HTTP %d", resp.StatusCode)
		}

		var stats map[string]sinkStats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printOutput(out, stats)
		}
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		printStatsTable(out, names, stats)
		return nil
	},
}

func printStatsTable(out io.Writer, names []string, stats map[string]sinkStats) {
	fmt.Fprintf(out, "%-10s %8s %8s %10s %12s %9s %13s %8s\n",
		"SINK", "SENT", "FAILED", "SUPPRESSED", "DEAD_LETTERS", "DLQ_FAILS", "PENDING", "DROPPED")
	for _, name := range names {
		s := stats[name]
		fmt.Fprintf(out, "%-10s %8d %8d %10d %12d %9d %13s %8d\n",
			name, s.Sent, s.Failed, s.Suppressed, s.DeadLetters, s.DeadLetterFailures,
			fmt.Sprintf("%d/%d", s.Pending, s.Capacity), s.Dropped)
	}
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
