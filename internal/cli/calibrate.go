package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/calibration"
	"aqi-calibration/internal/models"
)

var (
	calibrateStart       string
	calibrateMaxDistance float64
)

// calibrateCmd represents the calibrate command
var calibrateCmd = &cobra.Command{
	Use:   "calibrate <device_id>",
	Short: "Fit and store a calibration for one device",
	Long: `Pair the device's raw readings with nearby reference readings and fit
pm_ref = a*pm_raw + b (and the CO counterpart when enough CO pairs exist).

Examples:
  aqictl calibrate sensor-001
  aqictl calibrate sensor-001 --start -24h --max-distance 2500`,
	Args: cobra.ExactArgs(1),
	RunE: runCalibrate,
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	if err := openStore(); err != nil {
		return err
	}
	defer closeStore()

	deviceID := args[0]
	window, err := models.ParseWindow(calibrateStart, nowFunc())
	if err != nil {
		return err
	}
	maxDistance := calibrateMaxDistance
	if maxDistance <= 0 {
		maxDistance = cfg.CalibrationMaxDistanceM
	}

	logger.Debugf("Calibrating %s over %s within %.0f m", deviceID, calibrateStart, maxDistance)
	calibrator := calibration.NewCalibrator(store, store, calibration.WithLogger(logger))
	res, err := calibrator.Calibrate(cmd.Context(), deviceID, window, maxDistance)
	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, apperr.ErrPersistence) {
			logger.Warnf("Calibration computed but not stored: %v", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(calibrateCmd)

	calibrateCmd.Flags().StringVar(&calibrateStart, "start", "-7d", "Window start, relative (-7d, -24h) or RFC3339")
	calibrateCmd.Flags().Float64Var(&calibrateMaxDistance, "max-distance", 0, "Pairing radius in metres (default from CALIBRATION_MAX_DISTANCE_M)")
}
