package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached search results",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [query]",
	Short: "Delete cached results for a query, or all of them with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		target, _ := cmd.Flags().GetInt("target-count")
		variant, _ := cmd.Flags().GetString("variant")

		fingerprint, err := cacheFingerprint(args, all, model.QueryOptions{TargetCount: target, Variant: variant})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initStorage(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Sessions.Clear(ctx, fingerprint)
		if err != nil {
			return eris.Wrap(err, "cache clear")
		}
		fmt.Fprintf(os.Stderr, "Deleted %d cached result(s).\n", n)
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().Bool("all", false, "delete every cached result")
	cacheClearCmd.Flags().Int("target-count", 0, "target count the query was run with")
	cacheClearCmd.Flags().String("variant", "", "variant the query was run with")

	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

// cacheFingerprint picks what to clear. An empty fingerprint clears all.
func cacheFingerprint(args []string, all bool, opts model.QueryOptions) (string, error) {
	query := strings.TrimSpace(strings.Join(args, " "))
	switch {
	case query != "" && all:
		return "", eris.New("cache clear: pass a query or --all, not both")
	case query != "":
		return model.NewQuery(query, opts).Fingerprint, nil
	case all:
		return "", nil
	default:
		return "", eris.New("cache clear: a query or --all is required")
	}
}
