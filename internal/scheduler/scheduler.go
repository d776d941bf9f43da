// Package scheduler runs periodic housekeeping jobs on cron expressions.
//
// The coordinator uses it to re-run recovery as a recurring startup event, so alarms lost
// from the alarm table are re-armed from the stored document without a restart.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the standard 5-field format (min, hour, dom, month, dow) and descriptors
// such as "@every 5m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a schedule the Scheduler accepts.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*[]cron.Option)

// WithLocation evaluates schedules in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(opts *[]cron.Option) {
		*opts = append(*opts, cron.WithLocation(loc))
	}
}

// NewScheduler creates and starts a cron scheduler. A panicking job is recovered and a
// job still running when its next tick arrives is skipped.
func NewScheduler(opts ...Option) *Scheduler {
	cronOpts := []cron.Option{
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	}
	for _, opt := range opts {
		opt(&cronOpts)
	}
	c := cron.New(cronOpts...)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under name and returns its entry id.
func (s *Scheduler) AddJob(name, expr string, task func()) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler: running job", "name", name)
		task()
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s: %w", name, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "name", name, "expr", expr, "next", s.cron.Entry(id).Next)
	return id, nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Next returns when the job runs next, or the zero time for an unknown id.
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
