package dispatch

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron schedules for the three cadences. The five minute pass does all
// actual dispatching; hourly and daily are coarser sweeps that also
// catch anything a missed pass left behind, and the daily pass runs
// maintenance.
var cadenceSchedules = map[string]string{
	CadenceFiveMinutes: "*/5 * * * *",
	CadenceHourly:      "@hourly",
	CadenceDaily:       "@daily",
}

// Scheduler runs the dispatcher on its cadences.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	log        zerolog.Logger
}

// NewScheduler creates a scheduler for the dispatcher.
func NewScheduler(dispatcher *Dispatcher, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		dispatcher: dispatcher,
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers all cadences and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	for cadence, schedule := range cadenceSchedules {
		cadence := cadence
		_, err := s.cron.AddFunc(schedule, func() {
			_, err := s.dispatcher.Run(ctx, cadence)
			switch {
			case errors.Is(err, ErrLockHeld):
				// Another instance is mid-pass; this tick is covered.
				s.log.Debug().Str("cadence", cadence).Msg("Dispatch pass skipped, lock held")
			case err != nil:
				s.log.Error().Err(err).Str("cadence", cadence).Msg("Dispatch pass failed")
			}
		})
		if err != nil {
			return err
		}
		s.log.Info().Str("cadence", cadence).Str("schedule", schedule).Msg("Cadence registered")
	}

	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}
