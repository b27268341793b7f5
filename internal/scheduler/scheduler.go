// Package scheduler runs the periodic background tasks: finished job
// cleanup, the stuck job watchdog and playlist auto-refresh.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/cache"
	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/models"
)

// JobTracker is the part of jobs.Tracker the scheduler maintains.
type JobTracker interface {
	CleanupOlderThan(age time.Duration) int
	MarkStale(timeout time.Duration) int
	ActiveForSource(sourceID int64) (jobs.Job, bool)
}

// SourceLister lists playlist sources.
type SourceLister interface {
	ListSources(ctx context.Context) ([]models.Source, error)
}

// Enqueuer requests an import.
type Enqueuer interface {
	Enqueue(ctx context.Context, req cache.ImportRequest) error
}

// Options configure a Scheduler. Zero durations select the defaults.
type Options struct {
	Tracker  JobTracker
	Sources  SourceLister
	Importer Enqueuer

	JobRetention         time.Duration
	WatchdogTimeout      time.Duration
	RefreshCheckInterval time.Duration
	Now                  func() time.Time
}

// Scheduler owns a cron instance with the maintenance tasks registered.
type Scheduler struct {
	cron     *cron.Cron
	tracker  JobTracker
	sources  SourceLister
	importer Enqueuer

	retention time.Duration
	watchdog  time.Duration
	refresh   time.Duration
	now       func() time.Time
}

// New returns a Scheduler; call Start to run it.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		cron:      cron.New(),
		tracker:   opts.Tracker,
		sources:   opts.Sources,
		importer:  opts.Importer,
		retention: opts.JobRetention,
		watchdog:  opts.WatchdogTimeout,
		refresh:   opts.RefreshCheckInterval,
		now:       opts.Now,
	}
	if s.retention <= 0 {
		s.retention = 24 * time.Hour
	}
	if s.watchdog <= 0 {
		s.watchdog = 10 * time.Minute
	}
	if s.refresh <= 0 {
		s.refresh = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start registers the tasks and starts the cron loop. ctx bounds the
// refresh task's store and queue calls.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks := []struct {
		spec string
		fn   func()
	}{
		{"@every 1h", func() { s.Cleanup() }},
		{"@every 1m", func() { s.Watchdog() }},
		{fmt.Sprintf("@every %s", s.refresh), func() { s.RefreshDue(ctx) }},
	}
	for _, t := range tasks {
		if _, err := s.cron.AddFunc(t.spec, t.fn); err != nil {
			return fmt.Errorf("AddFunc %q: %w", t.spec, err)
		}
	}
	s.cron.Start()
	log.WithFields(log.Fields{
		"retention": s.retention,
		"watchdog":  s.watchdog,
		"refresh":   s.refresh,
	}).Info("scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info("scheduler stopped")
}

// Cleanup drops finished jobs older than the retention.
func (s *Scheduler) Cleanup() int {
	n := s.tracker.CleanupOlderThan(s.retention)
	if n > 0 {
		log.WithField("removed", n).Info("cleaned up finished jobs")
	}
	return n
}

// Watchdog fails jobs that have not reported progress within the timeout.
func (s *Scheduler) Watchdog() int {
	n := s.tracker.MarkStale(s.watchdog)
	if n > 0 {
		log.WithField("jobs", n).Warn("marked stuck jobs failed")
	}
	return n
}

// RefreshDue requests an import for every source due for auto-refresh that
// is not importing already. Scheduled refreshes never auto-map. It returns
// the ids of the sources requested.
func (s *Scheduler) RefreshDue(ctx context.Context) []int64 {
	sources, err := s.sources.ListSources(ctx)
	if err != nil {
		log.Errorf("auto-refresh: ListSources: %v", err)
		return nil
	}
	now := s.now()
	var requested []int64
	for i := range sources {
		src := &sources[i]
		if !src.DueForRefresh(now) {
			continue
		}
		if _, running := s.tracker.ActiveForSource(src.ID); running {
			continue
		}
		logger := log.WithFields(log.Fields{"source_id": src.ID, "source": src.Name})
		err := s.importer.Enqueue(ctx, cache.ImportRequest{SourceID: src.ID, Reason: "auto-refresh"})
		if err != nil {
			logger.Warnf("auto-refresh: %v", err)
			continue
		}
		logger.Info("auto-refresh requested")
		requested = append(requested, src.ID)
	}
	return requested
}
