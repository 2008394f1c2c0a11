package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/command"
	"github.com/ledgermesh/ledgermesh/internal/config"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/model"
	"github.com/ledgermesh/ledgermesh/internal/projector"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/saga"
	httptransport "github.com/ledgermesh/ledgermesh/internal/transport/http"
	"github.com/ledgermesh/ledgermesh/internal/validator"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger("server")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. ledger store (postgres)
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Account{}, &model.Command{}, &model.Event{},
		&model.SagaState{}, &model.CompensationRecord{}, &model.DLQEntry{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. view store (redis)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	views := view.NewRedisStore(rdb)

	// 5. engine wiring
	repository := repo.NewRepository(gdb, log)
	commands := command.NewHandler(repository, log)
	alerter := dlq.LogAlerter{Log: log}
	queue := dlq.NewQueue(repository, dlq.Policy{
		Base:        cfg.DLQ.BaseBackoff,
		Cap:         cfg.DLQ.MaxBackoff,
		MaxAttempts: cfg.DLQ.MaxAttempts,
	}, alerter, log)
	proj := projector.New(repository, views, queue, projector.DefaultConsumer, log)
	orch := saga.NewOrchestrator(repository, cfg.Saga.StepTimeout, log)
	transfer, err := saga.NewTransferDefinition(commands, views)
	if err != nil {
		log.Fatalf("transfer saga definition: %v", err)
	}
	tolerance, err := decimal.NewFromString(cfg.Validator.Tolerance)
	if err != nil {
		log.Fatalf("validator tolerance: %v", err)
	}
	checker := validator.New(repository, views, proj, tolerance, cfg.Validator.LagWindow, alerter, log)

	// 6. gin router
	api := &httptransport.API{
		Commands:  commands,
		Sagas:     orch,
		Transfer:  transfer,
		Repo:      repository,
		Views:     views,
		Queue:     queue,
		Projector: proj,
		Validator: checker,
		Log:       log,
	}
	router := httptransport.NewRouter(api, cfg.RateLimit, log)

	// 7. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("ledgermesh server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
