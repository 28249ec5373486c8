// Package scheduler runs the server's periodic background jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/database"
	"github.com/frostdev-ops/shelly-fleet-go/internal/discovery"
)

// discoveryRunTimeout bounds one scheduled sweep. A /16 worth of probes in
// 16-address chunks stays well inside it.
const discoveryRunTimeout = 10 * time.Minute

// Scheduler owns the cron runner and the fleet's recurring jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

// New creates a stopped scheduler.
func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// ScheduleDiscovery re-runs discovery on the given cron expression. A run
// still in flight is skipped, not queued. onComplete fires after each
// successful run.
func (s *Scheduler) ScheduleDiscovery(expr string, svc *discovery.Service, onComplete func(*discovery.Summary)) error {
	_, err := s.cron.AddFunc(expr, s.discoveryJob(svc, onComplete))
	if err != nil {
		return err
	}
	s.logger.WithField("cron", expr).Info("Scheduled periodic discovery")
	return nil
}

func (s *Scheduler) discoveryJob(svc *discovery.Service, onComplete func(*discovery.Summary)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), discoveryRunTimeout)
		defer cancel()

		summary, err := svc.Run(ctx, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Scheduled discovery did not run")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"found": summary.Found,
			"new":   summary.New,
		}).Info("Scheduled discovery completed")
		if onComplete != nil {
			onComplete(summary)
		}
	}
}

// SchedulePurge drops operation history past the retention horizon once a
// day.
func (s *Scheduler) SchedulePurge(history *database.HistoryStore, retention time.Duration) error {
	_, err := s.cron.AddFunc("@daily", s.purgeJob(history, retention))
	if err != nil {
		return err
	}
	s.logger.WithField("retention", retention).Info("Scheduled history retention purge")
	return nil
}

func (s *Scheduler) purgeJob(history *database.HistoryStore, retention time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := history.Purge(ctx, retention); err != nil {
			s.logger.WithError(err).Error("History purge failed")
		}
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}
