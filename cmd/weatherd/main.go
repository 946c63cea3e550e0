package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"evcentral/internal/bus"
	"evcentral/internal/weather"
	libconfig "evcentral/libs/config"
	"evcentral/libs/logging"
)

type config struct {
	Central struct {
		URL string `yaml:"url" env:"WEATHER_CENTRAL_URL"`
	} `yaml:"central"`
	OpenWeather struct {
		APIKey string `yaml:"apiKey" env:"WEATHER_OWM_API_KEY"`
		URL    string `yaml:"url" env:"WEATHER_OWM_URL"`
	} `yaml:"openweather"`
	Bus struct {
		URL      string `yaml:"url" env:"WEATHER_BUS_URL"`
		ClientID string `yaml:"clientId" env:"WEATHER_BUS_CLIENT_ID"`
		Topic    string `yaml:"topic" env:"WEATHER_BUS_TOPIC"`
	} `yaml:"bus"`
	IntervalMS int `yaml:"intervalMs" env:"WEATHER_INTERVAL_MS"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config{}
	cfg.Central.URL = "http://localhost:8080"
	cfg.Bus.ClientID = "weatherd"
	cfg.Bus.Topic = "ev/telemetry/v1"
	cfg.IntervalMS = 30000
	if err := libconfig.Load(os.Getenv("CONFIG_FILE"), cfg); err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Bus.URL == "" {
		logger.Fatal("bus url required")
	}
	mqtt, err := bus.NewMQTT(cfg.Bus.URL, cfg.Bus.ClientID, logger)
	if err != nil {
		logger.Fatal("bus setup failed", zap.Error(err))
	}
	if err := mqtt.Connect(ctx); err != nil {
		logger.Fatal("bus unreachable", zap.Error(err))
	}
	defer mqtt.Close(context.Background())

	ing := weather.NewIngester(weather.Config{
		CentralURL: cfg.Central.URL,
		APIKey:     cfg.OpenWeather.APIKey,
		APIBase:    cfg.OpenWeather.URL,
		Topic:      cfg.Bus.Topic,
		Interval:   time.Duration(cfg.IntervalMS) * time.Millisecond,
	}, mqtt, logger)

	logger.Info("weather ingester started",
		zap.String("central", cfg.Central.URL),
		zap.String("topic", cfg.Bus.Topic))
	ing.Run(ctx)
}
