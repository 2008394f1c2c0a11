package validator

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler runs batch validation on a fixed interval. Validation is driven
// by the clock, not by events.
type Scheduler struct {
	validator *Validator
	interval  time.Duration
	batchSize int
	sched     gocron.Scheduler
	log       *zap.SugaredLogger
}

func NewScheduler(v *Validator, interval time.Duration, batchSize int, logger *zap.SugaredLogger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		validator: v,
		interval:  interval,
		batchSize: batchSize,
		sched:     s,
		log:       logger,
	}, nil
}

// Start registers the interval job and begins running it. Blocks until ctx is
// cancelled, then shuts the scheduler down.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			results, err := s.validator.ValidateBatch(ctx, s.batchSize)
			if err != nil {
				s.log.Errorw("validation batch failed", "err", err)
				return
			}
			inconsistent := 0
			for _, r := range results {
				if !r.Consistent {
					inconsistent++
				}
			}
			s.log.Infow("validation batch done",
				"checked", len(results), "inconsistent", inconsistent)
		}),
	)
	if err != nil {
		return err
	}
	s.sched.Start()
	<-ctx.Done()
	return s.sched.Shutdown()
}
