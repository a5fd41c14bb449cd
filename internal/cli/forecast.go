package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"aqi-calibration/internal/forecast"
	"aqi-calibration/internal/ml"
	"aqi-calibration/internal/models"
)

var (
	forecastStart string

	modelPath  string
	modelLags  int
	modelSteps int
)

// forecastCmd represents the forecast command
var forecastCmd = &cobra.Command{
	Use:   "forecast <device_id>",
	Short: "Forecast the next PM values for a device",
	Long: `Load the forecast model from FORECAST_MODEL_PATH, build the input window
from the device's raw PM readings and print the predicted values.

Examples:
  aqictl forecast sensor-001
  aqictl forecast sensor-001 --start -12h`,
	Args: cobra.ExactArgs(1),
	RunE: runForecast,
}

// initModelCmd represents the init-model command
var initModelCmd = &cobra.Command{
	Use:   "init-model",
	Short: "Write a sample forecast model file",
	Long: `Write a smoothing autoregressive model sized for FORECAST_TARGET_LENGTH,
for use before a trained model is available.`,
	Args: cobra.NoArgs,
	RunE: runInitModel,
}

func runForecast(cmd *cobra.Command, args []string) error {
	if err := openStore(); err != nil {
		return err
	}
	defer closeStore()

	window, err := models.ParseWindow(forecastStart, nowFunc())
	if err != nil {
		return err
	}
	predictor, err := ml.NewPredictor(cfg.ForecastModelPath, logger)
	if err != nil {
		return err
	}
	if predictor.InputLength() != cfg.ForecastTargetLength {
		return fmt.Errorf("model expects %d values, FORECAST_TARGET_LENGTH is %d",
			predictor.InputLength(), cfg.ForecastTargetLength)
	}

	svc := forecast.NewService(store, predictor, store, forecast.ServiceConfig{
		TargetLength: cfg.ForecastTargetLength,
		MinLength:    cfg.ForecastMinLength,
	}, logger)
	f, err := svc.Forecast(cmd.Context(), args[0], window)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), f)
}

func runInitModel(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logger.Sync()

	path := modelPath
	if path == "" {
		path = cfg.ForecastModelPath
	}
	if modelLags <= 0 || modelLags > cfg.ForecastTargetLength {
		return fmt.Errorf("--lags must be between 1 and %d", cfg.ForecastTargetLength)
	}
	if err := ml.CreateSampleModel(path, cfg.ForecastTargetLength, modelLags, modelSteps); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample model to %s (input=%d, lags=%d, steps=%d)\n",
		path, cfg.ForecastTargetLength, modelLags, modelSteps)
	return nil
}

func init() {
	rootCmd.AddCommand(forecastCmd)
	rootCmd.AddCommand(initModelCmd)

	forecastCmd.Flags().StringVar(&forecastStart, "start", "-6h", "Window start, relative or RFC3339")

	initModelCmd.Flags().StringVar(&modelPath, "path", "", "Output file (default FORECAST_MODEL_PATH)")
	initModelCmd.Flags().IntVar(&modelLags, "lags", 6, "Number of autoregressive lags")
	initModelCmd.Flags().IntVar(&modelSteps, "steps", 12, "Forecast horizon")
}
