// Package jobs runs the monthly batch jobs on cron schedules, guarded by a
// lock so overlapping instances do not run the same job twice at once.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/logging"
)

// Func is a job body. Jobs must be safe to re-run.
type Func func(ctx context.Context) error

type Runner struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	log     *logrus.Entry
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRunner(locker Locker, lockTTL time.Duration, logger logrus.FieldLogger) *Runner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	log := logging.Component(logger, "jobs")
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker:  locker,
		lockTTL: lockTTL,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules fn under a standard five-field cron spec.
func (r *Runner) Add(name, spec string, fn Func) error {
	_, err := r.cron.AddFunc(spec, func() {
		if _, err := r.RunNow(r.ctx, name, fn); err != nil {
			r.log.WithError(err).WithField("job", name).Error("job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// RunNow runs fn under the job lock. ran is false when another runner
// holds the lock.
func (r *Runner) RunNow(ctx context.Context, name string, fn Func) (ran bool, err error) {
	release, ok, err := r.locker.Acquire(ctx, name, r.lockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		r.log.WithField("job", name).Info("job already running elsewhere, skipped")
		return false, nil
	}
	defer release()
	start := time.Now()
	err = fn(ctx)
	r.log.WithFields(logrus.Fields{"job": name, "took": time.Since(start).String()}).Info("job done")
	return true, err
}

func (r *Runner) Start() { r.cron.Start() }

// Stop halts scheduling, cancels running jobs and waits for them.
func (r *Runner) Stop() {
	done := r.cron.Stop()
	r.cancel()
	<-done.Done()
}

// PreviousPeriod is the calendar month before the one containing now.
// Monthly jobs fire early in a month and settle the month that just ended.
func PreviousPeriod(now time.Time) domain.Period {
	return domain.PeriodOf(now).Prev()
}

type cronLogger struct{ log *logrus.Entry }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.WithFields(fields(kv)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.WithError(err).WithFields(fields(kv)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
