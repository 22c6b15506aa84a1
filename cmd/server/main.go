package main

import (
	"github.com/spf13/cobra"

	"github.com/zep-us/docindexer/internal/app"
	"github.com/zep-us/docindexer/internal/config"
	"github.com/zep-us/docindexer/pkg/logger"
)

// Version is set at build time via -ldflags
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "docindexer",
	Short: "Asynchronous document indexing daemon",
	Long: `docindexer accepts documents over HTTP and delivers them to an
Elasticsearch/OpenSearch compatible cluster, or to an embedded store,
in batches with bounded retry.`,
	Version: Version,
	Example: `  # Use ./config.toml or ./config/config.toml
  docindexer

  # Explicit config file, bulk size overridden from the environment
  DOCINDEXER_BULK_ACTIONS=500 docindexer --config /etc/docindexer/config.toml`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: search . and ./config)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	logger.Info("docindexer %s starting...", Version)
	return app.NewApp(cfg).Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("docindexer: %v", err)
	}
}
