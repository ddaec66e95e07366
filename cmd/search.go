package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/export"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run one search and print the ranked records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSearch(ctx, "search")
		if err != nil {
			return err
		}
		defer env.Close()

		refresh, _ := cmd.Flags().GetBool("refresh")
		maxResults, _ := cmd.Flags().GetInt("max-results")
		target, _ := cmd.Flags().GetInt("target-count")
		variant, _ := cmd.Flags().GetString("variant")
		asJSON, _ := cmd.Flags().GetBool("json")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		save, _ := cmd.Flags().GetBool("save")

		req := search.Request{
			Query:       strings.Join(args, " "),
			Refresh:     refresh,
			MaxResults:  maxResults,
			TargetCount: target,
			Variant:     variant,
		}

		rs, err := env.Service.Search(ctx, req)
		defer shutdownService(env.Service)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "Search cancelled.")
			}
			return err
		}

		if xlsxPath != "" {
			if err := writeXLSXFile(xlsxPath, rs, env); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %d records to %s\n", len(rs.Records), xlsxPath)
		}

		if save {
			if env.Saver == nil {
				return eris.New("search: --save needs notion.token and notion.list_db")
			}
			n, err := env.Saver.Save(ctx, rs)
			if err != nil {
				return eris.Wrapf(err, "search: save list (%d saved)", n)
			}
			fmt.Fprintf(os.Stderr, "Saved %d records to Notion\n", n)
		}

		if asJSON {
			return writeJSON(os.Stdout, rs)
		}
		formatResults(os.Stdout, rs, env.Catalog)
		return nil
	},
}

func init() {
	searchCmd.Flags().Bool("refresh", false, "ignore any cached result and run again")
	searchCmd.Flags().Int("max-results", 0, "max records to print (0 = all)")
	searchCmd.Flags().Int("target-count", 0, "contacts to look for per company in contact searches")
	searchCmd.Flags().String("variant", "", "search variant tag, part of the cache key")
	searchCmd.Flags().Bool("json", false, "print the full result set as JSON")
	searchCmd.Flags().String("xlsx", "", "also write the records to this .xlsx file")
	searchCmd.Flags().Bool("save", false, "save the records as a Notion list")
	rootCmd.AddCommand(searchCmd)
}

func shutdownService(svc *search.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		zap.L().Warn("search shutdown", zap.Error(err))
	}
}

func writeXLSXFile(path string, rs *model.ResultSet, env *searchEnv) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "search: create xlsx")
	}
	if err := export.WriteXLSX(f, rs, env.Catalog); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrap(f.Close(), "search: close xlsx")
}

// formatResults writes the ranked records as a table followed by a short
// summary line.
func formatResults(out io.Writer, rs *model.ResultSet, cat *model.Catalog) {
	cols := export.Columns(rs.Schema, cat)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := make([]string, 0, len(cols)+1)
	rule := make([]string, 0, len(cols)+1)
	header = append(header, "#")
	rule = append(rule, "-")
	for _, c := range cols {
		label := strings.ToUpper(c.Label)
		header = append(header, label)
		rule = append(rule, strings.Repeat("-", len(label)))
	}
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	_, _ = fmt.Fprintln(w, strings.Join(rule, "\t"))

	for i, rec := range rs.Records {
		row := make([]string, 0, len(cols)+1)
		row = append(row, strconv.Itoa(i+1))
		for _, c := range cols {
			row = append(row, clip(export.Cell(rec, c), 40))
		}
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()

	cached := ""
	if rs.IsCached {
		cached = " (cached)"
	}
	_, _ = fmt.Fprintf(out, "\n%d records from %d candidates, %d failed, $%.4f, %s%s\n",
		len(rs.Records), rs.CandidatesFound, rs.FailedEntities, rs.EstimatedCostUSD,
		(time.Duration(rs.DurationMs) * time.Millisecond).Round(time.Millisecond), cached)
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
