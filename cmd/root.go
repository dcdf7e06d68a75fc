package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tollmap",
	Short: "Tollbooth identity reconciliation and temporal versioning",
	Long:  "Links tollbooth records from registry, traffic and fare extracts to durable canonical ids, period over period, and publishes the mapping, delta and conflict tables.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
