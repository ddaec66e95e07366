package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/config"
)

var cfg *config.Config

// Log overrides applied on top of the loaded config.
var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "supersearch",
	Short:         "Entity research from a single free-text query",
	Long:          "Resolves a query into a field schema, discovers matching companies or contacts, researches each one across web providers and returns ranked, structured records.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyLogFlags(cmd, &c.Log)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.CommandPath()),
			zap.String("store", cfg.Store.Driver),
			zap.String("llm", cfg.LLM.Provider),
		)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "override log.format (json or console)")
}

// applyLogFlags copies explicitly set log flags onto lc.
func applyLogFlags(cmd *cobra.Command, lc *config.LogConfig) {
	pf := cmd.Root().PersistentFlags()
	if pf.Changed("log-level") {
		lc.Level = logLevel
	}
	if pf.Changed("log-format") {
		lc.Format = logFormat
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
