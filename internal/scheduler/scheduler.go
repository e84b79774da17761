// Package scheduler runs periodic maintenance jobs on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ipamd/internal/log"
)

// Job is one run of a periodic task.
type Job func(ctx context.Context) error

// Scheduler runs jobs until stopped. A job still running when its next
// tick arrives skips that tick.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger routes cron's own messages through logrus.
type cronLogger struct {
	entry *logrus.Entry
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

// New creates a stopped scheduler. Jobs run with a context derived from
// ctx that is cancelled by Stop.
func New(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(log.WithModule(ctx, "scheduler"))
	logger := cronLogger{entry: log.G(ctx)}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under name on a standard five field cron spec or a
// descriptor such as "@every 1h". An empty spec leaves the job disabled.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		log.G(s.ctx).WithField("job", name).Debug("job disabled")
		return nil
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.schedule(name, schedule, job)
	log.G(s.ctx).WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("job scheduled")
	return nil
}

func (s *Scheduler) schedule(name string, schedule cron.Schedule, job Job) cron.EntryID {
	return s.cron.Schedule(schedule, s.wrap(name, job))
}

func (s *Scheduler) wrap(name string, job Job) cron.Job {
	return cron.FuncJob(func() {
		logger := log.G(s.ctx).WithField("job", name)
		start := time.Now()
		if err := job(s.ctx); err != nil {
			logger.WithError(err).Error("job failed")
			return
		}
		logger.WithField("duration", time.Since(start)).Debug("job finished")
	})
}

// Len returns the number of enabled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels the jobs' context and waits for running
// jobs to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}
