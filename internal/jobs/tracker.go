package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// CancelledMessage is the message of a job cancelled by the user.
const CancelledMessage = "Import cancelled by user"

const defaultQueueSize = 64

// Listener receives a copy of the job after every change. It runs on a
// dedicated goroutine per listener and may be slow; events that do not fit
// its queue are dropped.
type Listener func(Job)

// Classifier maps a failure to an error kind and whether retrying may help.
type Classifier func(error) (kind string, retryable bool)

// Options configure a Tracker. Zero values select defaults.
type Options struct {
	Now       func() time.Time
	NewID     func() string
	Classify  Classifier
	QueueSize int
}

// Tracker is an in-memory registry of jobs. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	jobs     map[string]*entry
	bySource map[int64]string

	lmu       sync.Mutex
	listeners map[int]*listener
	nextL     int
	dropped   atomic.Uint64

	now       func() time.Time
	newID     func() string
	classify  Classifier
	queueSize int
}

type entry struct {
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

type listener struct {
	ch   chan Job
	done chan struct{}
}

// NewTracker returns an empty tracker.
func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		jobs:      make(map[string]*entry),
		bySource:  make(map[int64]string),
		listeners: make(map[int]*listener),
		now:       opts.Now,
		newID:     opts.NewID,
		classify:  opts.Classify,
		queueSize: opts.QueueSize,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if t.classify == nil {
		t.classify = func(error) (string, bool) { return "unknown", false }
	}
	if t.queueSize <= 0 {
		t.queueSize = defaultQueueSize
	}
	return t
}

// Create registers a pending job for sourceID. When the source already has a
// job that is not finished, that job is returned with existed set and no new
// job is created.
func (t *Tracker) Create(sourceID int64, url, epgURL string) (job Job, existed bool) {
	t.mu.Lock()
	if id, ok := t.bySource[sourceID]; ok {
		if e, ok := t.jobs[id]; ok && !e.job.Status.Terminal() {
			job = e.job.copy()
			t.mu.Unlock()
			return job, true
		}
	}
	now := t.now()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job: Job{
			ID:        t.newID(),
			SourceID:  sourceID,
			URL:       url,
			EPGURL:    epgURL,
			Status:    StatusPending,
			Message:   "Import queued",
			CreatedAt: now,
			UpdatedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	t.jobs[e.job.ID] = e
	t.bySource[sourceID] = e.job.ID
	job = e.job.copy()
	t.mu.Unlock()

	t.emit(job)
	return job, false
}

// Get returns a copy of the job.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job.copy(), true
}

// ActiveForSource returns the unfinished job of a source, if any.
func (t *Tracker) ActiveForSource(sourceID int64) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.bySource[sourceID]
	if !ok {
		return Job{}, false
	}
	e, ok := t.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return Job{}, false
	}
	return e.job.copy(), true
}

// Context returns the job's context, cancelled when the job is cancelled
// or fails.
func (t *Tracker) Context(id string) (context.Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// List returns every job, newest first.
func (t *Tracker) List() []Job {
	return t.filter(func(Job) bool { return true })
}

// ListActive returns jobs that have not reached a terminal status.
func (t *Tracker) ListActive() []Job {
	return t.filter(func(j Job) bool { return !j.Status.Terminal() })
}

// ActiveCount returns the number of unfinished jobs.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.jobs {
		if !e.job.Status.Terminal() {
			n++
		}
	}
	return n
}

func (t *Tracker) filter(keep func(Job) bool) []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		if keep(e.job) {
			out = append(out, e.job.copy())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update moves a running job to status (empty keeps the current one), sets
// its progress and message and merges d into its details. Progress is
// clamped to [0,100]. Terminal statuses are set with Complete, Fail or
// Cancel.
func (t *Tracker) Update(id string, status Status, progress float64, message string, d Details) error {
	if status.Terminal() {
		return fmt.Errorf("Update: status %s must be set with Complete, Fail or Cancel", status)
	}
	return t.mutate(id, func(j *Job) {
		if status != "" {
			j.Status = status
		}
		j.Progress = clampProgress(progress)
		j.Message = message
		j.Details = j.Details.merge(d)
	})
}

// Complete marks a running job completed.
func (t *Tracker) Complete(id, message string, d Details) error {
	return t.mutate(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = 100
		j.Message = message
		j.Details = j.Details.merge(d)
	})
}

// Fail marks a running job failed with err and cancels its context.
func (t *Tracker) Fail(id string, err error) error {
	kind, retryable := t.classify(err)
	return t.mutate(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = err.Error()
		j.ErrorKind = kind
		j.Message = "Import failed: " + err.Error()
		j.Details = j.Details.merge(Details{Error: &ErrorDetail{Kind: kind, Retryable: retryable}})
	})
}

// Cancel marks a running job cancelled and cancels its context so in-flight
// transfers abort. It returns false for unknown or finished jobs.
func (t *Tracker) Cancel(id string) bool {
	return t.mutate(id, func(j *Job) {
		j.Status = StatusCancelled
		j.Message = CancelledMessage
	}) == nil
}

// SetTempFile records the download destination of a job.
func (t *Tracker) SetTempFile(id, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.jobs[id]; ok {
		e.job.TempFile = path
	}
}

func (t *Tracker) mutate(id string, fn func(*Job)) error {
	t.mu.Lock()
	e, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return ErrJobNotFound
	}
	if e.job.Status.Terminal() {
		t.mu.Unlock()
		return ErrJobFinished
	}
	fn(&e.job)
	e.job.UpdatedAt = t.now()
	if e.job.Status.Terminal() {
		e.cancel()
		if t.bySource[e.job.SourceID] == id {
			delete(t.bySource, e.job.SourceID)
		}
	}
	job := e.job.copy()
	t.mu.Unlock()

	t.emit(job)
	return nil
}

// CleanupOlderThan removes finished jobs last updated more than age ago and
// returns how many were removed. Running jobs are never removed.
func (t *Tracker) CleanupOlderThan(age time.Duration) int {
	cutoff := t.now().Add(-age)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.jobs {
		if e.job.Status.Terminal() && e.job.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

// Stale returns running jobs without an update for longer than timeout.
func (t *Tracker) Stale(timeout time.Duration) []Job {
	cutoff := t.now().Add(-timeout)
	return t.filter(func(j Job) bool {
		return !j.Status.Terminal() && j.UpdatedAt.Before(cutoff)
	})
}

// MarkStale fails every stale job and returns how many were failed.
func (t *Tracker) MarkStale(timeout time.Duration) int {
	n := 0
	for _, j := range t.Stale(timeout) {
		err := &staleError{timeout: timeout}
		if t.Fail(j.ID, err) == nil {
			log.WithFields(log.Fields{"job": j.ID, "source": j.SourceID}).Warnf("jobs: %v", err)
			n++
		}
	}
	return n
}

type staleError struct{ timeout time.Duration }

func (e *staleError) Error() string {
	return fmt.Sprintf("no progress for %s", e.timeout)
}

// Timeout lets classifiers recognise watchdog failures as timeouts.
func (e *staleError) Timeout() bool { return true }

// Subscribe registers l and returns a function that removes it.
func (t *Tracker) Subscribe(l Listener) (unsubscribe func()) {
	ls := &listener{ch: make(chan Job, t.queueSize), done: make(chan struct{})}
	t.lmu.Lock()
	key := t.nextL
	t.nextL++
	t.listeners[key] = ls
	t.lmu.Unlock()

	go func() {
		defer close(ls.done)
		for j := range ls.ch {
			l(j)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.lmu.Lock()
			delete(t.listeners, key)
			close(ls.ch)
			t.lmu.Unlock()
			<-ls.done
		})
	}
}

// Dropped returns how many events were discarded because a listener's queue
// was full.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Tracker) emit(j Job) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	for _, ls := range t.listeners {
		select {
		case ls.ch <- j.copy():
		default:
			t.dropped.Add(1)
		}
	}
}

func (j Job) copy() Job {
	j.Details = j.Details.clone()
	return j
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
