package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docrag/config"
	"docrag/internal/logger"
)

var (
	cfgFile string
	dataDir string
	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ragd",
	Short: "PDF retrieval server - upload documents and search them by meaning",
	Long: `ragd extracts text from uploaded PDF files, splits it into overlapping
chunks, embeds the chunks and keeps one vector index per document on disk.
Queries return the most similar chunks of a single document.

Example usage:
  ragd serve                          # Start the HTTP API on :8000
  ragd upload report.pdf              # Index one file
  ragd ingest ./papers                # Index every PDF under a directory
  ragd search -q "quarterly revenue"  # Search the latest document`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			wd, werr := os.Getwd()
			if werr != nil {
				return fmt.Errorf("failed to get working directory: %w", werr)
			}
			cfg, err = config.LoadFromDir(wd)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level, err := logger.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return err
		}
		if verbose {
			level = logger.LevelDebug
		}
		logger.SetLevel(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ragd.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides storage.data_dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func GetConfig() *config.Config {
	return cfg
}
