// Package schedule runs the periodic cache refresh for "luma serve".
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "luma/internal/log"
)

// Job is one scheduled run. It receives the scheduler's context.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron *cron.Cron
	id   cron.EntryID
}

// cronLogger adapts cron's logr-style interface onto the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { appLog.Debug("cron: "+msg, kv...) }

func (cronLogger) Error(err error, msg string, kv ...any) { appLog.Error("cron: "+msg, err, kv...) }

// New parses spec as a standard five-field cron expression evaluated in loc.
// Overlapping runs are skipped.
func New(ctx context.Context, spec string, loc *time.Location, name string, job Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		cron.WithLogger(cronLogger{}),
	)
	id, err := c.AddFunc(spec, func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			appLog.Error("scheduled job failed", err, "job", name)
			return
		}
		appLog.Info("scheduled job done", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, id: id}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports the next planned run; zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.id).Next
}
