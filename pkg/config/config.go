package config

import "os"

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	SQLitePath       string
	RedisAddr        string
	PolicyPath       string
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		PolicyPath:       os.Getenv("POLICY_PATH"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}
