package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"aqi-calibration/internal/api"
	"aqi-calibration/internal/aqicn"
	"aqi-calibration/internal/calibration"
	"aqi-calibration/internal/database"
	"aqi-calibration/internal/events"
	"aqi-calibration/internal/forecast"
	"aqi-calibration/internal/logging"
	"aqi-calibration/internal/metrics"
	"aqi-calibration/internal/ml"
	"aqi-calibration/internal/mqtt"
	"aqi-calibration/internal/services"
	"aqi-calibration/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	zl, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	logger.Info("Starting AQI Calibration Service...")

	// Initialize series store
	store, err := database.Open(cfg.StoreOptions(), logger)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.StoreDriver, err)
	}
	defer store.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	reference := aqicn.New(cfg.AQICNBaseURL, cfg.AQICNToken, cfg.AQICNTimeout)
	if cfg.AQICNToken == "" {
		logger.Warn("AQICN_TOKEN is not set, reference lookups will be rejected upstream")
	}

	calibrator := calibration.NewCalibrator(store, store, calibration.WithLogger(logger))

	// === Initialize MQTT Client ===
	logger.Info("Connecting to MQTT broker...")
	mqttClient, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize MQTT client: %v", err)
	}
	defer mqttClient.Close()

	publisher := mqtt.NewPublisher(mqttClient.GetNativeClient(), mqtt.PublisherConfig{
		CalibrationTopic: cfg.MQTTTopicCalibration,
	}, logger)

	publishers := []services.ResultPublisher{publisher}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicCalibration, logger)
		defer kafka.Close()
		publishers = append(publishers, kafka)
		logger.Infof("Publishing calibrations to Kafka topic %s", cfg.KafkaTopicCalibration)
	}

	// === Initialize Calibration Service ===
	calibrationService := services.NewCalibrationService(
		calibrator,
		store,
		publishers,
		services.CalibrationServiceConfig{
			Interval:     cfg.CalibrationInterval,
			Window:       cfg.CalibrationWindow,
			MaxDistanceM: cfg.CalibrationMaxDistanceM,
		},
		m,
		logger,
	)
	go calibrationService.Start(ctx)

	// === Initialize Ingest Service ===
	ingestService := services.NewIngestService(
		store,
		reference,
		calibrationService,
		services.DefaultIngestServiceConfig(),
		m,
		logger,
	)

	// Subscriber writes to the ingest service input channel
	subscriber := mqtt.NewSubscriber(
		mqttClient.GetNativeClient(),
		mqtt.SubscriberConfig{ReadingsTopic: cfg.MQTTTopicReadings},
		ingestService.ReadingChan,
		logger,
	)
	if err := subscriber.SubscribeAll(); err != nil {
		logger.Fatalf("Failed to subscribe to MQTT topics: %v", err)
	}
	go ingestService.Start(ctx)

	h := &api.Handlers{
		Log:          logger,
		Store:        store,
		Ingester:     ingestService,
		Calibration:  calibrationService,
		Reference:    reference,
		Metrics:      m,
		MaxDistanceM: cfg.CalibrationMaxDistanceM,
	}
	if f := loadForecaster(cfg, store, logger); f != nil {
		h.Forecaster = f
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.LoggingHandler(os.Stdout, api.NewRouter(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// === Log startup info ===
	logger.Info("=== AQI Calibration Service is running ===")
	logger.Infof("HTTP API:    %s", cfg.HTTPAddr)
	logger.Infof("Store:       %s", cfg.StoreDriver)
	logger.Infof("Calibration: every %s over %s within %.0f m",
		cfg.CalibrationInterval, cfg.CalibrationWindow, cfg.CalibrationMaxDistanceM)
	logger.Infof("MQTT Topics:")
	logger.Infof("  - Readings:    %s", cfg.MQTTTopicReadings)
	logger.Infof("  - Calibration: %s", cfg.MQTTTopicCalibration)
	logger.Info("Press Ctrl+C to exit...")

	// === Wait for interrupt signal ===
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// === Graceful shutdown ===
	logger.Info("Shutdown signal received, stopping services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP server shutdown: %v", err)
	}

	logger.Info("Shutdown complete. Goodbye!")
}

// loadForecaster returns nil when no usable model is available; the forecast
// route then answers 503
func loadForecaster(cfg *config.Config, store database.Store, logger *zap.SugaredLogger) *forecast.Service {
	predictor, err := ml.NewPredictor(cfg.ForecastModelPath, logger)
	if err != nil {
		logger.Warnf("Forecasting disabled: %v", err)
		return nil
	}
	if predictor.InputLength() != cfg.ForecastTargetLength {
		logger.Warnf("Forecasting disabled: model expects %d values, FORECAST_TARGET_LENGTH is %d",
			predictor.InputLength(), cfg.ForecastTargetLength)
		return nil
	}
	return forecast.NewService(store, predictor, store, forecast.ServiceConfig{
		TargetLength: cfg.ForecastTargetLength,
		MinLength:    cfg.ForecastMinLength,
	}, logger)
}
