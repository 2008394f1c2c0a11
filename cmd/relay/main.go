// The relay ships committed event log rows to Kafka: poll unpublished rows,
// publish, mark published. Publishing is wrapped in a circuit breaker so a
// broker outage backs the loop off instead of hammering it.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/bus"
	"github.com/ledgermesh/ledgermesh/internal/config"
	"github.com/ledgermesh/ledgermesh/internal/logger"
	"github.com/ledgermesh/ledgermesh/internal/repo"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("relay")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	repository := repo.NewRepository(gdb, log)
	publisher := bus.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer publisher.Close()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kafka-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("ledgermesh relay started")
	for range ticker.C {
		ctx := context.Background()
		events, err := repository.PollUnpublished(ctx, 100)
		if err != nil {
			log.Errorf("poll event log: %v", err)
			continue
		}
		for _, evt := range events {
			_, err := breaker.Execute(func() (interface{}, error) {
				return nil, publisher.Publish(ctx, bus.FromEvent(evt))
			})
			if err != nil {
				log.Errorf("publish event %s: %v", evt.EventID, err)
				break
			}
			if err := repository.MarkPublished(ctx, evt.ID); err != nil {
				log.Errorf("mark published %s: %v", evt.EventID, err)
			} else {
				log.Infof("event %s (aggregate %d seq %d) sent",
					evt.EventID, evt.AggregateID, evt.SequenceNumber)
			}
		}
	}
}
