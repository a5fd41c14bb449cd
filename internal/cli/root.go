// Package cli implements the aqictl command line tool.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aqi-calibration/internal/database"
	"aqi-calibration/internal/logging"
	"aqi-calibration/pkg/config"
)

var (
	verbose     bool
	storeDriver string
	sqlitePath  string

	cfg    *config.Config
	logger *zap.SugaredLogger
	store  database.Store

	nowFunc = time.Now
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aqictl",
	Short: "Low-cost air quality sensor calibration tool",
	Long: `aqictl talks to the same series store as the calibration service.

It can run a calibration for one device, dump stored measurements,
produce a PM forecast and simulate a sensor publishing readings.
Settings come from the environment (and a .env file) as for the server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Store driver override (clickhouse or sqlite)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite file override")
}

// setup loads configuration and the logger; commands that read or write
// series data also call openStore
func setup() error {
	cfg = config.Load()
	if storeDriver != "" {
		cfg.StoreDriver = storeDriver
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	zl, err := logging.New(level, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = zl.Sugar()
	return nil
}

func openStore() error {
	if err := setup(); err != nil {
		return err
	}
	s, err := database.Open(cfg.StoreOptions(), logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	store = s
	return nil
}

func closeStore() {
	if store != nil {
		store.Close()
		store = nil
	}
	if logger != nil {
		logger.Sync()
	}
}

func printJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
