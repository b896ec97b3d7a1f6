package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/config"
)

var cfg *config.Config

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "stage0",
	Short:         "Context resolution engine for site risk profiles",
	Long:          "Builds versioned site contexts from multiple data sources, reconciles conflicting values with lineage, runs counterfactual branches and watches policy documents.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogFlags(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store", cfg.Store.Driver),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyLogFlags lets --log-level and --log-format override the loaded
// config when set explicitly.
func applyLogFlags(cmd *cobra.Command, c *config.Config) {
	if cmd.Flags().Changed("log-level") {
		c.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		c.Log.Format = logFormat
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json or console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Stderr.WriteString("error: " + err.Error() + "\n") //nolint:errcheck
		os.Exit(1)
	}
}
