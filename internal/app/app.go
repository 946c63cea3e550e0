// Package app wires the Central process together.
package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evcentral/internal/audit"
	"evcentral/internal/bus"
	"evcentral/internal/config"
	"evcentral/internal/httpapi"
	"evcentral/internal/httpserver"
	"evcentral/internal/metrics"
	"evcentral/internal/redisstore"
	"evcentral/internal/repository"
	"evcentral/internal/secure"
	"evcentral/internal/service"
	"evcentral/internal/stream"
	"evcentral/internal/wire"
	libdb "evcentral/libs/db"
	libredis "evcentral/libs/redis"
)

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db     *sql.DB
	redis  *goredis.Client
	broker bus.Bus
	mqtt   *bus.MQTT
	audit  *audit.Sink

	orch       *service.Orchestrator
	dispatcher *bus.Dispatcher
	watchdog   *service.Watchdog
	stream     *stream.Server
	http       *httpserver.Server
}

// New builds every component. An unreachable database or absent broker URL
// degrades the process instead of stopping it: memory-only mode keeps the
// coordination core alive.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var store repository.Store
	memoryOnly := true
	if cfg.Database.DSN != "" {
		sqlDB, err := libdb.NewPostgres(cfg.Database.DSN)
		if err != nil {
			logger.Warn("database unreachable, running memory-only", zap.Error(err))
		} else {
			a.db = sqlDB
			store = repository.NewPostgres(sqlDB)
			memoryOnly = false
		}
	} else {
		logger.Warn("no database configured, running memory-only")
	}
	if store == nil {
		store = repository.NewMemory()
	}

	var mirror service.Mirror
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			logger.Warn("redis unreachable, session mirror disabled", zap.Error(err))
		} else {
			a.redis = client
			mirror = redisstore.NewStore(client, 24*time.Hour)
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	a.audit = audit.NewSink(cfg.Audit.Path, logger)

	keys := secure.NewKeyStore()
	channel := secure.NewChannel(keys, wire.SrcCentral)

	a.broker = bus.Nop{}
	if cfg.Bus.URL != "" {
		mqtt, err := bus.NewMQTT(cfg.Bus.URL, cfg.Bus.ClientID, logger)
		if err != nil {
			return nil, err
		}
		a.mqtt = mqtt
		a.broker = mqtt
	} else {
		logger.Warn("no bus configured, commands stay local")
	}

	topics := service.Topics{
		Commands:  cfg.Bus.CommandsTopic,
		Sessions:  cfg.Bus.SessionsTopic,
		Telemetry: cfg.Bus.TelemetryTopic,
	}
	a.orch = service.NewOrchestrator(service.Deps{
		Log:     logger,
		Store:   store,
		Bus:     a.broker,
		Channel: channel,
		Audit:   a.audit,
		Metrics: m,
		Mirror:  mirror,
		Topics:  topics,
	})
	a.dispatcher = bus.NewDispatcher(logger, a.broker, a.orch, channel, m, topics)
	a.watchdog = service.NewWatchdog(logger, a.orch,
		time.Duration(cfg.Watchdog.TimeoutMS)*time.Millisecond,
		time.Duration(cfg.Watchdog.IntervalMS)*time.Millisecond)

	a.stream = stream.NewServer(
		stream.Config{Addr: cfg.Stream.Addr, MemoryOnly: memoryOnly},
		logger, a.orch, store, keys, a.audit, m)

	api := httpapi.NewServer(logger, a.orch, registry, cfg.Admin.JWTSecret)
	a.http = httpserver.NewServer(cfg.HTTPAddress(), api.Routes(), logger)

	return a, nil
}

// Run recovers durable state, connects the bus and opens the listeners.
func (a *App) Run(ctx context.Context) error {
	if err := a.orch.Recover(ctx); err != nil {
		a.logger.Error("state recovery incomplete", zap.Error(err))
	}

	if a.mqtt != nil {
		if err := a.mqtt.Connect(ctx); err != nil {
			return err
		}
		if err := a.dispatcher.Start(ctx); err != nil {
			return err
		}
	}

	go a.watchdog.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- a.stream.Serve(ctx) }()
	go func() { errCh <- a.http.Run(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources.
func (a *App) Close() {
	if a.mqtt != nil {
		if err := a.mqtt.Close(context.Background()); err != nil {
			a.logger.Warn("failed to close bus", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("failed to close audit sink", zap.Error(err))
		}
	}
}
