// Package jobs runs periodic maintenance: reaping sessions whose shell has
// died and pruning old command history.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper removes sessions whose process has exited.
type Reaper interface {
	ReapDead() int
}

// Pruner removes history entries older than a number of days.
type Pruner interface {
	PruneOlderThan(ctx context.Context, days int) (int64, error)
}

type Options struct {
	ReapInterval   time.Duration
	PruneSchedule  string // standard cron spec or descriptor such as "@daily"
	MaxHistoryDays int
}

// Scheduler owns the cron runner. Jobs that are still running when the
// previous run is due are skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func cronLogger() cron.Logger {
	return cron.PrintfLogger(log.New(log.Writer(), "[jobs] ", log.Flags()))
}

// New registers the reap and prune jobs. Either dependency may be nil, in
// which case its job is not scheduled.
func New(reaper Reaper, pruner Pruner, opts Options) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger()),
			cron.SkipIfStillRunning(cronLogger()),
		)),
		ctx:    ctx,
		cancel: cancel,
	}

	if reaper != nil && opts.ReapInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+opts.ReapInterval.String(), func() { reap(reaper) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule reap every %v: %w", opts.ReapInterval, err)
		}
	}

	if pruner != nil && opts.PruneSchedule != "" && opts.MaxHistoryDays > 0 {
		days := opts.MaxHistoryDays
		if _, err := s.cron.AddFunc(opts.PruneSchedule, func() { prune(s.ctx, pruner, days) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule prune %q: %w", opts.PruneSchedule, err)
		}
	}

	return s, nil
}

func reap(r Reaper) {
	if n := r.ReapDead(); n > 0 {
		log.Printf("[jobs] reaped %d dead session(s)", n)
	}
}

func prune(ctx context.Context, p Pruner, days int) {
	n, err := p.PruneOlderThan(ctx, days)
	if err != nil {
		log.Printf("[jobs] prune history: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[jobs] pruned %d command(s) older than %d days", n, days)
	}
}

// Len reports the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further runs and waits for running jobs, or until ctx is
// done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Printf("[jobs] stop: %v", ctx.Err())
	}
}
