/**
 * @description
 * Cron wiring for the background sweeps. Schedules come from configuration so
 * operators can tune cadence per environment without a rebuild.
 */

package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// SweepSchedules holds the cron expressions for the background sweeps.
type SweepSchedules struct {
	ReleaseDue      string // e.g. "*/10 * * * *"
	StuckProcessing string // e.g. "15 * * * *"
	PaymentTimeout  string // e.g. "45 * * * *"
}

// Scheduler runs the settlement sweeps on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
}

// NewScheduler registers the sweeps with a cron runner. An empty expression
// disables that sweep.
func NewScheduler(service *Service, schedules SweepSchedules) (*Scheduler, error) {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(log.Default())),
		cron.Recover(cron.PrintfLogger(log.Default())),
	))

	register := func(expr, name string, job func(context.Context)) error {
		if expr == "" {
			log.Printf("level=info component=scheduler msg=\"sweep disabled\" sweep=%s", name)
			return nil
		}
		_, err := c.AddFunc(expr, func() {
			job(context.Background())
		})
		if err != nil {
			return err
		}
		log.Printf("level=info component=scheduler msg=\"sweep registered\" sweep=%s schedule=%q", name, expr)
		return nil
	}

	if err := register(schedules.ReleaseDue, "release_due", service.ReleaseDueSettlements); err != nil {
		return nil, err
	}
	if err := register(schedules.StuckProcessing, "stuck_processing", service.FlagStuckProcessing); err != nil {
		return nil, err
	}
	if err := register(schedules.PaymentTimeout, "payment_timeout", service.CancelExpiredPendingOrders); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, service: service}, nil
}

// Start begins running the registered sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("level=info component=scheduler msg=\"scheduler started\"")
}

// Stop halts scheduling and waits for any running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("level=info component=scheduler msg=\"scheduler stopped\"")
}
