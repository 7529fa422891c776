// Package scheduler manages scheduled whole database dumps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/backup"
)

// RetentionSchedule is when retention is enforced: minute 15 of every hour
const RetentionSchedule = "15 * * * *"

// Runner performs the scheduled work
type Runner interface {
	ScheduledDump(ctx context.Context, dir string) (*backup.Result, error)
	EnforceRetention(ctx context.Context, dir string, maxAge time.Duration) error
}

// Options configures a Scheduler
type Options struct {
	// Schedule is a standard five field cron expression or descriptor
	Schedule string

	// OutputDirectory receives the archives; empty keeps them in S3 only
	OutputDirectory string

	// Retention removes archives older than this; zero keeps them forever
	Retention time.Duration

	Logger logrus.FieldLogger
}

// Scheduler handles cron scheduling for dumps and retention
type Scheduler struct {
	cronScheduler *cron.Cron
	runner        Runner
	opts          Options
	log           logrus.FieldLogger

	// ctx is cancelled by Stop so that a running dump is interrupted
	ctx    context.Context
	cancel context.CancelFunc

	// running serializes dumps; a tick that finds one running is skipped
	running sync.Mutex
	dumpID  cron.EntryID
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cronScheduler: cron.New(),
		runner:        runner,
		opts:          opts,
		log:           opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetupJobs configures the dump job and, with a retention, the retention job
func (s *Scheduler) SetupJobs() error {
	id, err := s.cronScheduler.AddFunc(s.opts.Schedule, func() {
		if err := s.RunOnce(); err != nil {
			s.log.WithError(err).Error("Scheduled dump failed")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "failed to schedule dump with cron expression '%s'", s.opts.Schedule)
	}
	s.dumpID = id
	s.log.WithField("schedule", s.opts.Schedule).Info("Scheduled whole database dump")

	if s.opts.Retention <= 0 {
		return nil
	}
	_, err = s.cronScheduler.AddFunc(RetentionSchedule, func() {
		s.RunRetentionOnce()
	})
	if err != nil {
		return errors.Wrap(err, "failed to schedule retention policy enforcement")
	}
	s.log.WithField("retention", s.opts.Retention).Info("Scheduled retention policy enforcement at minute 15 of every hour")
	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	s.log.Info("Dump scheduler started")
}

// Stop halts all scheduled jobs, interrupting a running dump, and waits
// for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
	s.log.Info("Dump scheduler stopped")
}

// Wait blocks until ctx is done, then stops the scheduler
func (s *Scheduler) Wait(ctx context.Context) {
	<-ctx.Done()
	s.Stop()
}

// RunOnce runs one dump now. It returns nil without dumping when a dump is
// already in progress.
func (s *Scheduler) RunOnce() error {
	if !s.running.TryLock() {
		s.log.Warn("Previous scheduled dump still running, skipping")
		return nil
	}
	defer s.running.Unlock()

	s.log.Info("Starting scheduled dump")
	res, err := s.runner.ScheduledDump(s.ctx, s.opts.OutputDirectory)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"run_id":   res.RunID,
		"schemas":  res.Schemas,
		"duration": res.Duration.Round(time.Millisecond),
	}).Info("Scheduled dump finished")
	return nil
}

// RunRetentionOnce runs retention policy enforcement once
func (s *Scheduler) RunRetentionOnce() {
	if err := s.runner.EnforceRetention(s.ctx, s.opts.OutputDirectory, s.opts.Retention); err != nil {
		s.log.WithError(err).Error("Retention policy enforcement failed")
	}
}

// NextRunTime returns when the dump job runs next
func (s *Scheduler) NextRunTime() (time.Time, error) {
	entry := s.cronScheduler.Entry(s.dumpID)
	if !entry.Valid() {
		return time.Time{}, errors.New("no scheduled dump job")
	}
	if entry.Next.IsZero() {
		return entry.Schedule.Next(time.Now()), nil
	}
	return entry.Next, nil
}
