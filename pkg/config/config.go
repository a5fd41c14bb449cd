package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"aqi-calibration/internal/database"
)

type Config struct {
	// HTTP API
	HTTPAddr string

	// MQTT Configuration
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	MQTTTopicReadings    string
	MQTTTopicCalibration string

	// Store selection: "clickhouse" or "sqlite"
	StoreDriver string

	// ClickHouse Configuration
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	SQLitePath string

	// Reference network (WAQI / AQICN)
	AQICNBaseURL string
	AQICNToken   string
	AQICNTimeout time.Duration

	// Calibration
	CalibrationMaxDistanceM float64
	CalibrationWindow       string
	CalibrationInterval     time.Duration

	// Kafka publication of calibration records, disabled when no brokers
	KafkaBrokers          []string
	KafkaTopicCalibration string

	// Forecasting
	ForecastModelPath    string
	ForecastTargetLength int
	ForecastMinLength    int

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		// MQTT Configuration
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "aqi-calibration"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),

		MQTTTopicReadings:    getEnv("MQTT_TOPIC_READINGS", "sensor/+/reading"),
		MQTTTopicCalibration: getEnv("MQTT_TOPIC_CALIBRATION", "calibration/{device_id}"),

		StoreDriver: getEnv("STORE_DRIVER", "clickhouse"),

		// ClickHouse Configuration
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "aqi"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		SQLitePath: getEnv("SQLITE_PATH", "./data/aqi.db"),

		AQICNBaseURL: getEnv("AQICN_BASE_URL", "https://api.waqi.info"),
		AQICNToken:   getEnv("AQICN_TOKEN", ""),
		AQICNTimeout: getEnvDuration("AQICN_TIMEOUT", 10*time.Second),

		CalibrationMaxDistanceM: getEnvFloat("CALIBRATION_MAX_DISTANCE_M", 1000),
		CalibrationWindow:       getEnv("CALIBRATION_WINDOW", "-7d"),
		CalibrationInterval:     getEnvDuration("CALIBRATION_INTERVAL", time.Hour),

		KafkaBrokers:          getEnvList("KAFKA_BROKERS"),
		KafkaTopicCalibration: getEnv("KAFKA_TOPIC_CALIBRATION", "aqi.calibration"),

		ForecastModelPath:    getEnv("FORECAST_MODEL_PATH", "./model/forecast_model.json"),
		ForecastTargetLength: getEnvInt("FORECAST_TARGET_LENGTH", 60),
		ForecastMinLength:    getEnvInt("FORECAST_MIN_LENGTH", 32),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}
}

// StoreOptions returns the settings for database.Open
func (c *Config) StoreOptions() database.Options {
	return database.Options{
		Driver:         c.StoreDriver,
		ClickHouseAddr: c.ClickHouseAddr,
		ClickHouseDB:   c.ClickHouseDB,
		ClickHouseUser: c.ClickHouseUser,
		ClickHousePass: c.ClickHousePass,
		SQLitePath:     c.SQLitePath,
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as float, using default: %v", key, err)
		return defaultValue
	}
	return floatValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}

// getEnvList splits a comma separated value, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
