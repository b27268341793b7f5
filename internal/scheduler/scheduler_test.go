package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/voyagen/pvrguide/internal/cache"
	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/models"
)

type mockTracker struct {
	CleanupFn func(time.Duration) int
	StaleFn   func(time.Duration) int
	ActiveFn  func(int64) (jobs.Job, bool)
}

func (m *mockTracker) CleanupOlderThan(d time.Duration) int { return m.CleanupFn(d) }
func (m *mockTracker) MarkStale(d time.Duration) int        { return m.StaleFn(d) }
func (m *mockTracker) ActiveForSource(id int64) (jobs.Job, bool) {
	if m.ActiveFn == nil {
		return jobs.Job{}, false
	}
	return m.ActiveFn(id)
}

type mockSources struct {
	ListFn func(context.Context) ([]models.Source, error)
}

func (m *mockSources) ListSources(ctx context.Context) ([]models.Source, error) { return m.ListFn(ctx) }

type mockEnqueuer struct {
	EnqueueFn func(context.Context, cache.ImportRequest) error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, req cache.ImportRequest) error {
	return m.EnqueueFn(ctx, req)
}

func TestCleanupAndWatchdogUseConfiguredDurations(t *testing.T) {
	var gotRetention, gotTimeout time.Duration
	s := New(Options{
		Tracker: &mockTracker{
			CleanupFn: func(d time.Duration) int { gotRetention = d; return 2 },
			StaleFn:   func(d time.Duration) int { gotTimeout = d; return 1 },
		},
		JobRetention:    2 * time.Hour,
		WatchdogTimeout: 3 * time.Minute,
	})
	if n := s.Cleanup(); n != 2 || gotRetention != 2*time.Hour {
		t.Errorf("Cleanup = %d with %s", n, gotRetention)
	}
	if n := s.Watchdog(); n != 1 || gotTimeout != 3*time.Minute {
		t.Errorf("Watchdog = %d with %s", n, gotTimeout)
	}
}

func TestDefaults(t *testing.T) {
	s := New(Options{})
	if s.retention != 24*time.Hour || s.watchdog != 10*time.Minute || s.refresh != 5*time.Minute {
		t.Errorf("defaults = %s %s %s", s.retention, s.watchdog, s.refresh)
	}
}

func TestRefreshDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }
	sources := []models.Source{
		{ID: 1, URL: "http://a", Enabled: true, AutoRefresh: true, RefreshInterval: 3600, LastUpdated: ago(2 * time.Hour)},
		{ID: 2, URL: "http://b", Enabled: true, AutoRefresh: true, RefreshInterval: 3600, LastUpdated: ago(10 * time.Minute)},
		{ID: 3, URL: "http://c", Enabled: true, AutoRefresh: true, RefreshInterval: 3600},
		{ID: 4, URL: "http://d", Enabled: false, AutoRefresh: true, RefreshInterval: 3600, LastUpdated: ago(2 * time.Hour)},
		{ID: 5, URL: "http://e", Enabled: true, AutoRefresh: false, LastUpdated: ago(48 * time.Hour)},
		{ID: 6, URL: "http://f", Enabled: true, AutoRefresh: true, RefreshInterval: 60, LastUpdated: ago(time.Hour)},
	}
	var reqs []cache.ImportRequest
	s := New(Options{
		Tracker: &mockTracker{ActiveFn: func(id int64) (jobs.Job, bool) { return jobs.Job{}, id == 6 }},
		Sources: &mockSources{ListFn: func(context.Context) ([]models.Source, error) { return sources, nil }},
		Importer: &mockEnqueuer{EnqueueFn: func(_ context.Context, r cache.ImportRequest) error {
			reqs = append(reqs, r)
			return nil
		}},
		Now: func() time.Time { return now },
	})

	got := s.RefreshDue(context.Background())
	if !reflect.DeepEqual(got, []int64{1}) {
		t.Fatalf("requested = %v, want [1]", got)
	}
	if len(reqs) != 1 || reqs[0].AutoMap || reqs[0].Reason != "auto-refresh" {
		t.Errorf("requests = %+v, want one refresh without auto-map", reqs)
	}
}

func TestRefreshDueContinuesAfterErrors(t *testing.T) {
	last := time.Now().Add(-48 * time.Hour)
	sources := []models.Source{
		{ID: 1, URL: "http://a", Enabled: true, AutoRefresh: true, LastUpdated: &last},
		{ID: 2, URL: "http://b", Enabled: true, AutoRefresh: true, LastUpdated: &last},
	}
	s := New(Options{
		Tracker: &mockTracker{},
		Sources: &mockSources{ListFn: func(context.Context) ([]models.Source, error) { return sources, nil }},
		Importer: &mockEnqueuer{EnqueueFn: func(_ context.Context, r cache.ImportRequest) error {
			if r.SourceID == 1 {
				return errors.New("queue down")
			}
			return nil
		}},
	})
	if got := s.RefreshDue(context.Background()); !reflect.DeepEqual(got, []int64{2}) {
		t.Errorf("requested = %v, want [2]", got)
	}

	s.sources = &mockSources{ListFn: func(context.Context) ([]models.Source, error) { return nil, errors.New("db down") }}
	if got := s.RefreshDue(context.Background()); got != nil {
		t.Errorf("requested = %v on list failure", got)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Options{Tracker: &mockTracker{}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(s.cron.Entries()); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
	s.Stop()
}
