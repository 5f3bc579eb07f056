// Command gateway runs the real-time dispatch fan-out gateway: it
// terminates websocket connections, bridges the Redis event bus and
// forwards write-path events to the dispatch service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaid/dispatch-gateway/internal/bridge"
	"github.com/rapidaid/dispatch-gateway/internal/config"
	"github.com/rapidaid/dispatch-gateway/internal/dispatch"
	"github.com/rapidaid/dispatch-gateway/internal/history"
	"github.com/rapidaid/dispatch-gateway/internal/ratelimit"
	"github.com/rapidaid/dispatch-gateway/internal/registry"
	"github.com/rapidaid/dispatch-gateway/internal/server"
	"github.com/rapidaid/dispatch-gateway/internal/session"
	"github.com/rapidaid/dispatch-gateway/internal/upstream"
	"github.com/rapidaid/dispatch-gateway/pkg/logger"
	"github.com/rapidaid/dispatch-gateway/pkg/metrics"
	"github.com/rapidaid/dispatch-gateway/pkg/redis"
)

func main() {
	// Absent .env files are fine; containers inject the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil && err != context.Canceled {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	promReg := prometheus.NewRegistry()
	sink := metrics.NewProm(promReg)

	verifiers := make([]session.Verifier, 0, 2)
	if cfg.JWTSecret != "" {
		verifiers = append(verifiers, session.NewJWTVerifier([]byte(cfg.JWTSecret)))
	}
	verifiers = append(verifiers, session.NewRemoteVerifier(cfg.AuthURL, cfg.UpstreamTimeout, log))
	gate := session.NewGate(session.NewChainVerifier(verifiers...), cfg.AllowAnonymous, log)

	rooms := registry.NewRooms()
	reg := registry.New(rooms, registry.NewRedisStore(rdb.Client), sink, log)
	dispatcher := dispatch.New(reg, rooms, sink, log)

	recorder := history.NewRecorder(history.NewRedisStore(rdb.Client), log)

	instanceID := cfg.AppName + "-" + uuid.NewString()
	bus := bridge.New(rdb.Client, dispatcher, bridge.DefaultRules(), instanceID, recorder, sink, log)

	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb.Client), ratelimit.Config{
		Window:       cfg.RateLimitWindow,
		DefaultLimit: cfg.RateLimitMax,
		Overrides:    cfg.RateLimitOverrides,
		FailOpen:     cfg.RateLimitFailOpen,
	}, log)

	dispatchSvc := upstream.New(cfg.DispatchURL, cfg.DispatchAPIPrefix, cfg.UpstreamTimeout, log)

	srv := server.New(server.Options{
		Addr:            ":" + cfg.AppPort,
		AllowedOrigins:  cfg.AllowedOrigins,
		SendBufferSize:  cfg.SendBufferSize,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Gate:            gate,
		Registry:        reg,
		Rooms:           rooms,
		Dispatcher:      dispatcher,
		Bridge:          bus,
		Limiter:         limiter,
		Upstream:        dispatchSvc,
		History:         recorder,
		Redis:           rdb.Client,
		Metrics:         sink,
		PromReg:         promReg,
		Log:             log,
	})

	log.Info("starting dispatch gateway",
		zap.String("instance_id", instanceID),
		zap.String("port", cfg.AppPort),
		zap.String("env", cfg.AppEnv),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return bus.Run(ctx) })
	return g.Wait()
}
