// Package config defines the Central process configuration: YAML file named
// by CONFIG_FILE plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	libconfig "evcentral/libs/config"
)

type StreamConfig struct {
	Addr string `yaml:"addr" env:"CENTRAL_STREAM_ADDR"`
}

type HTTPConfig struct {
	Port string `yaml:"port" env:"CENTRAL_HTTP_PORT"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"CENTRAL_POSTGRES_DSN"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"CENTRAL_REDIS_ADDR"`
	Password string `yaml:"password" env:"CENTRAL_REDIS_PASSWORD"`
}

type BusConfig struct {
	URL            string `yaml:"url" env:"CENTRAL_BUS_URL"`
	ClientID       string `yaml:"clientId" env:"CENTRAL_BUS_CLIENT_ID"`
	CommandsTopic  string `yaml:"commandsTopic" env:"CENTRAL_BUS_COMMANDS_TOPIC"`
	SessionsTopic  string `yaml:"sessionsTopic" env:"CENTRAL_BUS_SESSIONS_TOPIC"`
	TelemetryTopic string `yaml:"telemetryTopic" env:"CENTRAL_BUS_TELEMETRY_TOPIC"`
}

type WatchdogConfig struct {
	TimeoutMS  int `yaml:"timeoutMs" env:"CENTRAL_WATCHDOG_TIMEOUT_MS"`
	IntervalMS int `yaml:"intervalMs" env:"CENTRAL_WATCHDOG_INTERVAL_MS"`
}

type AdminConfig struct {
	JWTSecret string `yaml:"jwtSecret" env:"CENTRAL_ADMIN_JWT_SECRET"`
}

type AuditConfig struct {
	Path string `yaml:"path" env:"CENTRAL_AUDIT_PATH"`
}

// Config is the full Central configuration. An empty database DSN means
// memory-only mode; an empty bus URL disables the broker connection.
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Bus      BusConfig      `yaml:"bus"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Admin    AdminConfig    `yaml:"admin"`
	Audit    AuditConfig    `yaml:"audit"`
}

// Load reads the file named by CONFIG_FILE (optional) and the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Stream:   StreamConfig{Addr: ":7020"},
		HTTP:     HTTPConfig{Port: "8080"},
		Bus:      BusConfig{ClientID: "central", CommandsTopic: "ev/cmd/v1", SessionsTopic: "ev/sessions/v1", TelemetryTopic: "ev/telemetry/v1"},
		Watchdog: WatchdogConfig{TimeoutMS: 3000, IntervalMS: 1000},
	}

	if err := libconfig.Load(os.Getenv("CONFIG_FILE"), cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return nil, errors.New("config: admin jwt secret required")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
