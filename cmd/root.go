package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pricefinder",
	Short: "Hospital price transparency file discovery pipeline",
	Long:  "Searches the web for hospital standard-charges files, crawls candidate pages, downloads and validates machine-readable price files, and tracks discovery status per hospital.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
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
