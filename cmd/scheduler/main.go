package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/broadcast-service/internal/assembler"
	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/delivery"
	"github.com/example/broadcast-service/internal/directory"
	"github.com/example/broadcast-service/internal/events"
	"github.com/example/broadcast-service/internal/mailing"
	"github.com/example/broadcast-service/internal/scheduler"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("scheduler")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	if cfg.DirectoryURL == "" || cfg.BroadcastURL == "" {
		logger.Fatal().Msg("DIRECTORY_URL and BROADCAST_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	repo, err := mailing.MustRepository(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("build repository")
	}

	publisher := events.New(cfg.KafkaBrokers, cfg.EventsTopic)
	if kp, ok := publisher.(*events.KafkaPublisher); ok {
		defer kp.Close()
	}

	s := &scheduler.Scheduler{
		Repo:       repo,
		Assembler:  assembler.New(cfg.MediaBaseURL),
		Directory:  directory.NewClient(cfg, logger),
		Dispatcher: delivery.NewClient(cfg),
		Events:     publisher,
		Disabled:   !cfg.SchedulerEnabled,
		Interval:   cfg.SchedulerInterval,
		PageSize:   cfg.PageSize,
		Logger:     logger,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		// expire a little before the next tick so the next holder is not blocked
		ttl := cfg.SchedulerInterval * 9 / 10
		lease, err := scheduler.NewRedisLease(rdb, ttl)
		if err != nil {
			logger.Fatal().Err(err).Dur("interval", cfg.SchedulerInterval).Msg("build tick lease")
		}
		s.Lease = lease
	}

	logger.Info().Bool("enabled", cfg.SchedulerEnabled).Int("page_size", cfg.PageSize).Msg("scheduler service started")
	if err := s.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler stopped")
	}
}
