// Package scheduler runs the background sweeps (hold expiry, offer expiry,
// freelance re-offers) on fixed intervals for the life of the process.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is one sweep. It returns how many records it touched.
type Task func(ctx context.Context) (int, error)

type job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	fn       Task
}

type Scheduler struct {
	jobs []job
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log.With().Str("component", "scheduler").Logger()}
}

// Every registers fn to run now and then every interval. Each run gets at
// most one interval (capped at 20s) to finish.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) *Scheduler {
	timeout := min(interval, 20*time.Second)
	s.jobs = append(s.jobs, job{name: name, interval: interval, timeout: timeout, fn: fn})
	return s
}

// Run blocks until ctx is cancelled. A failed run is logged and the task
// keeps its schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	s.log.Info().Str("task", j.name).Dur("interval", j.interval).Msg("task scheduled")

	s.runOnce(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Str("task", j.name).Msg("task stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.fn(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("task", j.name).Msg("task run failed")
		return
	}

	ev := s.log.Debug()
	if n > 0 {
		ev = s.log.Info()
	}
	ev.Str("task", j.name).Int("affected", n).Dur("took", time.Since(start)).Msg("task run complete")
}
