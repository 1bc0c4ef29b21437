package config

import (
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	DataDir          string
	PolicyPath       string
	AuthoritySeed    string
	LayerSeed        string
	LogLevel         string
	HistorySize      int
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := os.Getenv("ATELIER_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	policyPath := os.Getenv("ATELIER_POLICY_PATH")
	if policyPath == "" {
		policyPath = "./config/policy.json"
	}

	authoritySeed := os.Getenv("ATELIER_AUTHORITY_SEED")
	if authoritySeed == "" {
		authoritySeed = "./config/authority.yaml"
	}

	layerSeed := os.Getenv("ATELIER_LAYER_SEED")
	if layerSeed == "" {
		layerSeed = "./config/layers.yaml"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	historySize := 1000
	if v := os.Getenv("ATELIER_HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			historySize = n
		}
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	telemetryEnabled := os.Getenv("ATELIER_TELEMETRY") == "true"

	return &Config{
		DataDir:          dataDir,
		PolicyPath:       policyPath,
		AuthoritySeed:    authoritySeed,
		LayerSeed:        layerSeed,
		LogLevel:         logLevel,
		HistorySize:      historySize,
		OTLPEndpoint:     otlpEndpoint,
		TelemetryEnabled: telemetryEnabled,
	}
}
