// Package scheduler runs WardWatch's periodic housekeeping jobs on cron
// schedules.
//
// Schedules use the standard 5-field form (min, hour, dom, month, dow) or a
// descriptor such as "@every 30s" or "@hourly".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]cron.EntryID
}

// NewScheduler creates a scheduler. Jobs start running once Run is called.
// A panicking job is recovered and logged, and it stays scheduled.
func NewScheduler() *Scheduler {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{cron: c, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name. An empty expression leaves the job
// disabled and is not an error.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	if expr == "" {
		slog.Info("Scheduler.AddJob: job disabled", "job", name)
		return nil
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	id, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		task()
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	s.jobs[name] = id
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Next reports when the named job runs next. It is only meaningful after
// Run has started the scheduler.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Run starts the jobs and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
	return nil
}

// Validate reports whether expr is a schedule AddJob would accept.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := parser.Parse(expr)
	return err
}
