package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/camwatch/zonewatch/internal/logger"
)

// Config is the runtime configuration for the zonewatch server. Values
// come from the environment, with an optional .env file for development.
type Config struct {
	Addr        string `env:"ZONEWATCH_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"ZONEWATCH_METRICS_ADDR" envDefault:":9090"`
	DataDir     string `env:"ZONEWATCH_DATA_DIR" envDefault:"./data"`
	LogLevel    string `env:"ZONEWATCH_LOG_LEVEL" envDefault:"info"`

	Detector struct {
		Endpoint      string        `env:"DETECTOR_ENDPOINT" envDefault:"http://localhost:5001"`
		Timeout       time.Duration `env:"DETECTOR_TIMEOUT" envDefault:"10s"`
		MinConfidence float64       `env:"DETECTOR_MIN_CONFIDENCE" envDefault:"0.5"`
		Classes       []string      `env:"DETECTOR_CLASSES" envSeparator:","`
	}

	Ingest struct {
		ConnectAttempts int           `env:"INGEST_CONNECT_ATTEMPTS" envDefault:"2"`
		BackoffBase     time.Duration `env:"INGEST_BACKOFF_BASE" envDefault:"1s"`
		BackoffMax      time.Duration `env:"INGEST_BACKOFF_MAX" envDefault:"30s"`
	}

	Session struct {
		IdleTimeout  time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"2m"`
		ReapInterval time.Duration `env:"SESSION_REAP_INTERVAL" envDefault:"30s"`
	}
}

// Load reads configuration from the environment. A missing .env file is
// not an error; the process environment alone is enough.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("Config", "no .env file, using process environment")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
