// Package sweeper removes messages whose TTL has passed.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/pkg/timer"
)

type Sweeper struct {
	store    store.Store
	interval time.Duration
	timer    *timer.SafeTimer
}

func New(store store.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
	}
}

// Start runs a purge every interval until Stop. A purge that outlasts the
// interval makes the next tick a no-op.
func (s *Sweeper) Start() {
	log.Info().Dur("interval", s.interval).Msg("sweeper started")
	s.timer = timer.Start(s.interval, s.Sweep, timer.Options{
		Name: "sweeper",
		OnError: func(err error) {
			var oe *timer.OverlapError
			if errors.As(err, &oe) {
				metrics.TimerOverlaps.WithLabelValues("sweeper").Inc()
				log.Warn().Err(err).Msg("sweeper overlap")
				return
			}
			metrics.SweeperErrors.Inc()
			log.Error().Err(err).Msg("sweeper error")
		},
	})
}

// Sweep purges expired messages once.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweeperDuration.Observe(time.Since(start).Seconds())
	}()

	count, err := s.store.Purge(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		metrics.MessagesPurged.Add(float64(count))
		log.Info().Int64("purged", count).Msg("sweeper removed expired messages")
	}
	return nil
}

// Stop halts the timer and waits for a running purge.
func (s *Sweeper) Stop() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	log.Info().Msg("sweeper stopped")
}
