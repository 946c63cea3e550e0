package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"evcentral/internal/httpserver"
	"evcentral/internal/registryapi"
	"evcentral/internal/repository"
	libconfig "evcentral/libs/config"
	libdb "evcentral/libs/db"
	"evcentral/libs/logging"
)

type config struct {
	HTTP struct {
		Port string `yaml:"port" env:"REGISTRY_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"REGISTRY_POSTGRES_DSN"`
	} `yaml:"database"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config{}
	cfg.HTTP.Port = "8090"
	if err := libconfig.Load(os.Getenv("CONFIG_FILE"), cfg); err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var store repository.Store
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		sqlDB, err := libdb.NewPostgres(cfg.Database.DSN)
		if err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		defer sqlDB.Close()
		store = repository.NewPostgres(sqlDB)
	} else {
		logger.Warn("no database configured, registrations are in-memory only")
		store = repository.NewMemory()
	}

	srv := registryapi.NewServer(logger, store)
	addr := cfg.HTTP.Port
	if !strings.HasPrefix(addr, ":") {
		addr = fmt.Sprintf(":%s", addr)
	}
	server := httpserver.NewServer(addr, srv.Routes(), logger)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("registry stopped with error", zap.Error(err))
	}
}
