package main

import (
	"encoding/json"
	"fmt"
	"errors"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/monitoring"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored search runs",
}

// withStorage opens the run store for the duration of fn.
func withStorage(cmd *cobra.Command, fn func(env *searchEnv) error) error {
	env, err := initStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List search runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		status, _ := flags.GetString("status")
		caller, _ := flags.GetString("caller")
		limit, _ := flags.GetInt("limit")
		asJSON, _ := flags.GetBool("json")

		filter := store.RunFilter{Status: model.RunStatus(status), CallerID: caller, Limit: limit}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("runs list: unknown status %q", status)
		}

		return withStorage(cmd, func(env *searchEnv) error {
			runs, err := env.Store.ListRuns(cmd.Context(), filter)
			if err != nil {
				return eris.Wrap(err, "runs list")
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
				return nil
			}
			formatRunsList(out, runs)
			return nil
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resultOnly, _ := cmd.Flags().GetBool("result")

		return withStorage(cmd, func(env *searchEnv) error {
			run, err := env.Store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("runs show: no run with id %s", args[0])
			}
			if err != nil {
				return eris.Wrap(err, "runs show")
			}
			if !resultOnly {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			if run.Result == nil {
				return eris.Errorf("runs show: run %s has no result (status %s)", run.ID, run.Status)
			}
			return writeJSON(cmd.OutOrStdout(), run.Result)
		})
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent runs: outcomes, failure rate, spend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		stuck := time.Duration(cfg.Monitoring.StuckAfterMins) * time.Minute

		return withStorage(cmd, func(env *searchEnv) error {
			snap, err := monitoring.NewCollector(env.Store, stuck).Collect(cmd.Context(), int(since.Hours()))
			if err != nil {
				return eris.Wrap(err, "runs stats")
			}
			formatRunStats(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

func init() {
	lf := runsListCmd.Flags()
	lf.String("status", "", "only runs in this status (running, complete, failed, cancelled)")
	lf.String("caller", "", "only runs started by this caller")
	lf.Int("limit", 50, "maximum runs to show")
	lf.Bool("json", false, "print runs as JSON")

	runsShowCmd.Flags().Bool("result", false, "print only the result set")
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "window to summarize, e.g. 72h (0 means all runs)")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUERY\tSTATUS\tPHASE\tPROGRESS\tCREATED\tDURATION")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		progress := ""
		if r.Progress.Total > 0 {
			progress = fmt.Sprintf("%d/%d", r.Progress.Completed, r.Progress.Total)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			clip(r.Query, 40),
			r.Status,
			r.Progress.Phase,
			progress,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if s.LookbackHours > 0 {
		_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", s.LookbackHours)
	}
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.RunsComplete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.RunsCancelled)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.RunsRunning)
	if s.RunsStuck > 0 {
		_, _ = fmt.Fprintf(w, "  Stuck:\t%d\n", s.RunsStuck)
	}
	if s.RunsComplete+s.RunsFailed > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.FailRate*100)
	}
	if s.AvgDurationSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurationSecs)
		_, _ = fmt.Fprintf(w, "Avg records:\t%.1f\n", s.AvgRecords)
	}
	_, _ = fmt.Fprintf(w, "Spend:\t$%.2f\n", s.CostUSD)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
