package cli

import (
	"github.com/spf13/cobra"

	"aqi-calibration/internal/database"
	"aqi-calibration/internal/models"
)

var (
	readingsMeasurement string
	readingsStart       string
)

// readingsCmd represents the readings command
var readingsCmd = &cobra.Command{
	Use:     "readings",
	Aliases: []string{"r"},
	Short:   "Dump stored measurements as JSON rows",
	Long: `Print every record of a measurement inside a time window, ordered by time.

Examples:
  aqictl readings
  aqictl readings --measurement reference_readings --start -24h`,
	Args: cobra.NoArgs,
	RunE: runReadings,
}

func runReadings(cmd *cobra.Command, args []string) error {
	if err := openStore(); err != nil {
		return err
	}
	defer closeStore()

	window, err := models.ParseWindow(readingsStart, nowFunc())
	if err != nil {
		return err
	}
	rows, err := database.QueryRows(cmd.Context(), store, readingsMeasurement, window)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []database.Row{}
	}
	logger.Debugf("Read %d %s rows", len(rows), readingsMeasurement)
	return printJSON(cmd.OutOrStdout(), rows)
}

func init() {
	rootCmd.AddCommand(readingsCmd)

	readingsCmd.Flags().StringVar(&readingsMeasurement, "measurement", models.MeasurementRaw, "raw_readings or reference_readings")
	readingsCmd.Flags().StringVar(&readingsStart, "start", "-1h", "Window start, relative or RFC3339")
}
