// The validator binary runs the consistency check on its interval until
// signalled.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/config"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/projector"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/validator"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("validator")
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
	alerter := dlq.LogAlerter{Log: log}
	queue := dlq.NewQueue(repository, dlq.Policy{
		Base:        cfg.DLQ.BaseBackoff,
		Cap:         cfg.DLQ.MaxBackoff,
		MaxAttempts: cfg.DLQ.MaxAttempts,
	}, alerter, log)
	proj := projector.New(repository, views, queue, projector.DefaultConsumer, log)

	tolerance, err := decimal.NewFromString(cfg.Validator.Tolerance)
	if err != nil {
		log.Fatalf("validator tolerance: %v", err)
	}
	checker := validator.New(repository, views, proj, tolerance, cfg.Validator.LagWindow, alerter, log)

	sched, err := validator.NewScheduler(checker, cfg.Validator.Interval, cfg.Validator.BatchSize, log)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	log.Infof("ledgermesh validator running every %s", cfg.Validator.Interval)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
}
