// The projector binary consumes the event topic and materializes the view
// store. Failures that exhaust the retry budget land in the DLQ; the loop
// itself keeps running until the process is signalled.
package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/bus"
	"github.com/ledgermesh/ledgermesh/internal/config"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/projector"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("projector")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	repository := repo.NewRepository(gdb, log)
	views := view.NewRedisStore(rdb)
	queue := dlq.NewQueue(repository, dlq.Policy{
		Base:        cfg.DLQ.BaseBackoff,
		Cap:         cfg.DLQ.MaxBackoff,
		MaxAttempts: cfg.DLQ.MaxAttempts,
	}, dlq.LogAlerter{Log: log}, log)
	proj := projector.New(repository, views, queue, projector.DefaultConsumer, log)

	sub := bus.NewSubscriber(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, log)
	defer sub.Close()

	log.Infof("ledgermesh projector consuming %s as %s", cfg.Kafka.Topic, cfg.Kafka.GroupID)
	if err := sub.Run(ctx, proj.OnEvent); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consumer loop: %v", err)
	}
}
