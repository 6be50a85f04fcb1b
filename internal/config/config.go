package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Alerts holds alert rule thresholds.
type Alerts struct {
	DeviceOfflineMinutes       int     `yaml:"device_offline_minutes"`
	OverconsumptionLitersDaily float64 `yaml:"overconsumption_liters_daily"`
	LeakFlowRateLPM            float64 `yaml:"leak_flow_rate_lpm"`
	WebhookURL                 string  `yaml:"webhook_url"`
	KafkaBrokers               string  `yaml:"kafka_brokers"`
	KafkaTopic                 string  `yaml:"kafka_topic"`

	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// Commands holds command lifecycle settings.
type Commands struct {
	ExpiryMinutes      int  `yaml:"expiry_minutes"`
	SentTimeoutMinutes int  `yaml:"sent_timeout_minutes"`
	StrictAck          bool `yaml:"strict_ack"`
}

// Schedule holds sweep timing.
type Schedule struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	DailyAt       string        `yaml:"daily_at"`
	Timezone      string        `yaml:"timezone"`
}

// MQTT holds telemetry broker settings. An empty broker disables MQTT ingest.
type MQTT struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TelemetryTopic string `yaml:"telemetry_topic"`
}

// Config is the service configuration.
type Config struct {
	DatabaseURL string   `yaml:"database_url"`
	HTTPAddr    string   `yaml:"http_addr"`
	JWTSecret   string   `yaml:"jwt_secret"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
	RedisAddr   string   `yaml:"redis_addr"`
	Alerts      Alerts   `yaml:"alerts"`
	Commands    Commands `yaml:"commands"`
	Schedule    Schedule `yaml:"schedule"`
	MQTT        MQTT     `yaml:"mqtt"`
}

// Load reads .env (if present), environment variables and an optional YAML overlay named by WATER_CONFIG.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:   getenvDefault("JWT_SECRET", ""),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		LogFormat:   getenvDefault("LOG_FORMAT", "json"),
		RedisAddr:   getenvDefault("REDIS_ADDR", ""),
		Alerts: Alerts{
			DeviceOfflineMinutes:       getenvIntDefault("ALERT_DEVICE_OFFLINE_MINUTES", 60),
			OverconsumptionLitersDaily: getenvFloatDefault("ALERT_OVERCONSUMPTION_LITERS_DAILY", 500),
			LeakFlowRateLPM:            getenvFloatDefault("ALERT_LEAK_FLOW_RATE_LPM", 10.0),
			WebhookURL:                 getenvDefault("ALERT_WEBHOOK_URL", ""),
			KafkaBrokers:               getenvDefault("KAFKA_BROKERS", ""),
			KafkaTopic:                 getenvDefault("KAFKA_ALERT_TOPIC", "alerts.created"),
			NotifyTimeout:              getenvDuration("ALERT_NOTIFY_TIMEOUT", 5*time.Second),
		},
		Commands: Commands{
			ExpiryMinutes:      getenvIntDefault("COMMAND_EXPIRY_MINUTES", 30),
			SentTimeoutMinutes: getenvIntDefault("COMMAND_SENT_TIMEOUT_MINUTES", 0),
			StrictAck:          getenvBoolDefault("COMMAND_STRICT_ACK", false),
		},
		Schedule: Schedule{
			SweepInterval: getenvDuration("SWEEP_INTERVAL", 10*time.Minute),
			DailyAt:       getenvDefault("DAILY_SWEEP_AT", "02:00"),
			Timezone:      getenvDefault("TIMEZONE", "Local"),
		},
		MQTT: MQTT{
			Broker:         getenvDefault("MQTT_BROKER", ""),
			ClientID:       getenvDefault("MQTT_CLIENT_ID", "water-cloud"),
			Username:       getenvDefault("MQTT_USERNAME", ""),
			Password:       getenvDefault("MQTT_PASSWORD", ""),
			TelemetryTopic: getenvDefault("MQTT_TELEMETRY_TOPIC", "devices/+/telemetry"),
		},
	}

	if path := os.Getenv("WATER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks required values and ranges.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.Alerts.DeviceOfflineMinutes <= 0 {
		return errors.New("config: device offline minutes must be positive")
	}
	if c.Alerts.LeakFlowRateLPM <= 0 || c.Alerts.OverconsumptionLitersDaily <= 0 {
		return errors.New("config: alert thresholds must be positive")
	}
	if c.Commands.ExpiryMinutes <= 0 {
		return errors.New("config: command expiry minutes must be positive")
	}
	if c.Schedule.SweepInterval <= 0 {
		return errors.New("config: sweep interval must be positive")
	}
	if _, err := time.Parse("15:04", c.Schedule.DailyAt); err != nil {
		return fmt.Errorf("config: daily sweep time %q: %w", c.Schedule.DailyAt, err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone used by the daily consumption sweep.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" || strings.EqualFold(c.Schedule.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
