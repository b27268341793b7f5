package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/voyagen/pvrguide/internal/cache"
	"github.com/voyagen/pvrguide/internal/epgmatch"
	"github.com/voyagen/pvrguide/internal/fetcher"
	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/metrics"
	"github.com/voyagen/pvrguide/internal/models"
	"github.com/voyagen/pvrguide/internal/store"
)

// DefaultLockTTL bounds how long a crashed process can hold a source's
// import lock.
const DefaultLockTTL = 30 * time.Minute

// guideTimeout bounds a shared guide download.
const guideTimeout = 15 * time.Minute

// Progress ranges of the import phases.
const (
	progressDownloadEnd = 45
	progressParsing     = 50
	progressImportStart = 70
	progressImportEnd   = 95
	progressMapping     = 95
)

var (
	// ErrImportRunning is returned when another process holds the source's import lock.
	ErrImportRunning = errors.New("import already running")
	// ErrNoURL is returned for a source without a playlist url.
	ErrNoURL = errors.New("source has no url")
	// errNoChannels is wrapped as an invalid_format fetch error.
	errNoChannels = errors.New("playlist contains no channels")
)

// ClassifyError maps a job failure to its error kind for jobs.Tracker.
func ClassifyError(err error) (string, bool) {
	k := fetcher.KindOf(err)
	return k.String(), k.Retryable()
}

// ImporterOptions configure an Importer. Redis is optional; without it
// imports are only serialised within the process and queued requests
// start immediately.
type ImporterOptions struct {
	Store       store.Store
	Tracker     *jobs.Tracker
	Downloader  *fetcher.Downloader
	Mapper      *Mapper
	Redis       *cache.Redis
	DownloadDir string
	LockTTL     time.Duration
}

// Importer runs playlist and guide imports as tracked jobs.
type Importer struct {
	store      store.Store
	tracker    *jobs.Tracker
	downloader *fetcher.Downloader
	reconciler *Reconciler
	mapper     *Mapper
	redis      *cache.Redis
	dir        string
	lockTTL    time.Duration

	guides singleflight.Group
	wg     sync.WaitGroup
}

// NewImporter returns an Importer.
func NewImporter(opts ImporterOptions) *Importer {
	dir := opts.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Importer{
		store:      opts.Store,
		tracker:    opts.Tracker,
		downloader: opts.Downloader,
		reconciler: NewReconciler(opts.Store),
		mapper:     opts.Mapper,
		redis:      opts.Redis,
		dir:        dir,
		lockTTL:    ttl,
	}
}

// StartRequest asks for an import of one playlist source.
type StartRequest struct {
	SourceID int64
	// AutoMap runs guide import and auto-mapping after the channels are saved.
	AutoMap bool
	// EPGURL overrides the source's guide url.
	EPGURL string
}

// Start creates a job for the source and runs it in the background. When
// the source already has an unfinished job, that job is returned with
// existed set and nothing is started.
func (im *Importer) Start(ctx context.Context, req StartRequest) (jobs.Job, bool, error) {
	src, err := im.store.GetSourceByID(ctx, req.SourceID)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("GetSourceByID: %w", err)
	}
	if strings.TrimSpace(src.URL) == "" {
		return jobs.Job{}, false, ErrNoURL
	}
	epgURL := req.EPGURL
	if epgURL == "" && src.EPGURL != nil {
		epgURL = *src.EPGURL
	}

	job, existed := im.tracker.Create(src.ID, src.URL, epgURL)
	if existed {
		return job, true, nil
	}

	unlock := func() {}
	if im.redis != nil {
		unlock, err = cache.TryLock(ctx, im.redis, cache.ImportLockKey(src.ID), im.lockTTL)
		if err != nil {
			if errors.Is(err, cache.ErrLocked) {
				err = ErrImportRunning
			}
			_ = im.tracker.Fail(job.ID, err)
			metrics.RecordImportJob(string(jobs.StatusFailed))
			job, _ = im.tracker.Get(job.ID)
			return job, false, err
		}
	}

	jobCtx, ok := im.tracker.Context(job.ID)
	if !ok {
		unlock()
		return job, false, jobs.ErrJobNotFound
	}
	im.wg.Add(1)
	go func() {
		defer im.wg.Done()
		defer unlock()
		im.run(jobCtx, job.ID, *src, epgURL, req.AutoMap)
	}()
	return job, false, nil
}

// Wait blocks until every started import has returned.
func (im *Importer) Wait() {
	im.wg.Wait()
}

// Enqueue requests an import through the Redis queue, or starts it
// directly when Redis is not configured.
func (im *Importer) Enqueue(ctx context.Context, req cache.ImportRequest) error {
	if im.redis == nil {
		_, _, err := im.Start(ctx, StartRequest{SourceID: req.SourceID, AutoMap: req.AutoMap, EPGURL: req.EPGURL})
		return err
	}
	return cache.Enqueue(ctx, im.redis, cache.ImportQueue, req)
}

// RunQueued starts the imports requested on the Redis queue until ctx is
// done. It returns immediately when Redis is not configured.
func (im *Importer) RunQueued(ctx context.Context) {
	if im.redis == nil {
		return
	}
	log.Info("import queue worker started")
	for {
		if ctx.Err() != nil {
			log.Info("import queue worker stopping")
			return
		}
		req, err := cache.Dequeue(ctx, im.redis, cache.ImportQueue, 5*time.Second)
		if err != nil {
			log.Warnf("import queue: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if req == nil {
			continue
		}
		job, existed, err := im.Start(ctx, StartRequest{SourceID: req.SourceID, AutoMap: req.AutoMap, EPGURL: req.EPGURL})
		logger := log.WithFields(log.Fields{"source_id": req.SourceID, "reason": req.Reason})
		switch {
		case err != nil:
			logger.Warnf("queued import: %v", err)
		case existed:
			logger.WithField("job_id", job.ID).Info("queued import skipped, source already importing")
		default:
			logger.WithField("job_id", job.ID).Info("queued import started")
		}
	}
}

// run executes one import job. Every outcome ends the job.
func (im *Importer) run(ctx context.Context, jobID string, src models.Source, epgURL string, autoMap bool) {
	logger := log.WithFields(log.Fields{"job_id": jobID, "source_id": src.ID})
	logger.Info("import started")

	dest := filepath.Join(im.dir, fmt.Sprintf("pvrguide_source_%d.m3u", src.ID))
	im.tracker.SetTempFile(jobID, dest)
	_ = im.tracker.Update(jobID, jobs.StatusDownloading, 0, "Downloading playlist", jobs.Details{})

	res, err := im.downloader.Download(ctx, fetcher.Request{
		URL:       src.URL,
		Dest:      dest,
		UserAgent: src.UserAgent,
		Format:    fetcher.FormatM3U,
		OnProgress: func(p fetcher.Progress) {
			pct := 0.0
			if p.Percent >= 0 {
				pct = p.Percent * progressDownloadEnd / 100
			}
			_ = im.tracker.Update(jobID, jobs.StatusDownloading, pct, downloadMessage(p), jobs.Details{
				Download: &jobs.DownloadDetail{Downloaded: p.Downloaded, Total: p.Total, Speed: p.Speed, ETA: p.ETA},
			})
		},
	})
	if err != nil {
		metrics.RecordFetchError(fetcher.KindOf(err).String())
		im.finish(jobID, logger, err)
		return
	}
	metrics.RecordFetchBytes(res.Size)
	_ = im.tracker.Update(jobID, jobs.StatusParsing, progressParsing, "Parsing playlist", jobs.Details{
		Download: &jobs.DownloadDetail{Downloaded: res.Size, Total: res.Total, Resumed: res.Resumed},
	})

	// The finished file is only read once; a later import downloads afresh.
	parsed, err := parsePlaylist(dest)
	_ = os.Remove(dest)
	if err != nil {
		im.finish(jobID, logger, err)
		return
	}

	_ = im.tracker.Update(jobID, jobs.StatusImporting, progressImportStart,
		fmt.Sprintf("Importing %d channels", len(parsed)), jobs.Details{Import: &jobs.ImportDetail{Total: len(parsed)}})
	result, err := im.reconciler.Reconcile(ctx, ReconcileInput{
		SourceID: src.ID,
		Parsed:   parsed,
		OnBatch: func(r ReconcileResult) {
			pct := float64(progressImportStart)
			if r.Total > 0 {
				pct += float64(r.Processed) / float64(r.Total) * (progressImportEnd - progressImportStart)
			}
			_ = im.tracker.Update(jobID, jobs.StatusImporting, pct,
				fmt.Sprintf("Imported %d/%d channels", r.Processed, r.Total), jobs.Details{Import: r.Detail()})
		},
	})
	metrics.RecordImportChannels(result.Created, result.Updated, result.Deactivated, result.Failed)
	if err != nil {
		im.finish(jobID, logger, err)
		return
	}
	if err := im.store.UpdateSourceLastUpdated(ctx, src.ID, time.Now()); err != nil {
		logger.Warnf("UpdateSourceLastUpdated: %v", err)
	}

	final := jobs.Details{Import: result.Detail()}
	if autoMap && epgURL != "" {
		_ = im.tracker.Update(jobID, jobs.StatusImporting, progressMapping, "Mapping EPG channels", jobs.Details{})
		final.Mapping = im.mapGuide(ctx, logger, src, epgURL)
		if ctx.Err() != nil {
			im.finish(jobID, logger, ctx.Err())
			return
		}
	}

	msg := fmt.Sprintf("Import completed: %d created, %d updated, %d deactivated",
		result.Created, result.Updated, result.Deactivated)
	if result.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", result.Failed)
	}
	if err := im.tracker.Complete(jobID, msg, final); err != nil {
		// Cancelled or timed out while finishing up.
		logger.Infof("import not completed: %v", err)
		return
	}
	metrics.RecordImportJob(string(jobs.StatusCompleted))
	logger.Info(msg)
}

// mapGuide imports the playlist's guide and auto-maps against it. Its
// failures are reported in the returned detail and never fail the import.
func (im *Importer) mapGuide(ctx context.Context, logger *log.Entry, src models.Source, epgURL string) *jobs.MappingDetail {
	detail := &jobs.MappingDetail{}
	epgSourceID, err := im.store.CreateEPGSource(ctx, &models.EPGSource{
		Name:    src.Name + " EPG",
		URL:     epgURL,
		AutoMap: true,
		Active:  true,
	})
	if err != nil {
		detail.Err = err.Error()
		logger.Warnf("CreateEPGSource: %v", err)
		return detail
	}
	res, err := im.ImportEPG(ctx, epgSourceID)
	if err != nil {
		detail.Err = err.Error()
		logger.Warnf("EPG import: %v", err)
		return detail
	}
	if res.AutoMap != nil {
		detail.Total = res.AutoMap.Total
		detail.Mapped = res.AutoMap.Mapped
		detail.Updated = res.AutoMap.Updated
		detail.Failed = res.AutoMap.Failed
		detail.SkippedLocked = res.AutoMap.SkippedLocked
	}
	return detail
}

// finish ends a job that stopped with err. A cancelled job is left as the
// canceller set it.
func (im *Importer) finish(jobID string, logger *log.Entry, err error) {
	if fetcher.IsCancelled(err) || errors.Is(err, context.Canceled) {
		if job, ok := im.tracker.Get(jobID); ok && job.Status.Terminal() {
			logger.WithField("status", job.Status).Info("import stopped")
			metrics.RecordImportJob(string(job.Status))
			return
		}
		im.tracker.Cancel(jobID)
		metrics.RecordImportJob(string(jobs.StatusCancelled))
		logger.Info("import cancelled")
		return
	}
	if ferr := im.tracker.Fail(jobID, err); ferr != nil {
		logger.Infof("import failed after it finished: %v", err)
		return
	}
	metrics.RecordImportJob(string(jobs.StatusFailed))
	logger.WithField("error_type", fetcher.KindOf(err)).Warnf("import failed: %v", err)
}

func parsePlaylist(path string) ([]fetcher.ParsedChannel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()
	parsed, err := fetcher.ParseM3U(f)
	if err != nil {
		return nil, &fetcher.Error{Kind: fetcher.KindInvalidFormat, Op: "ParseM3U", Err: err}
	}
	if len(parsed) == 0 {
		return nil, &fetcher.Error{Kind: fetcher.KindInvalidFormat, Op: "ParseM3U", Err: errNoChannels}
	}
	return parsed, nil
}

func downloadMessage(p fetcher.Progress) string {
	if p.Total > 0 {
		return fmt.Sprintf("Downloading playlist: %.1f of %.1f MB", mb(p.Downloaded), mb(p.Total))
	}
	return fmt.Sprintf("Downloading playlist: %.1f MB", mb(p.Downloaded))
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// EPGImportResult summarises a guide import.
type EPGImportResult struct {
	ChannelsFound    int            `json:"channels_found"`
	ChannelsMapped   int            `json:"channels_mapped"`
	ProgramsImported int            `json:"programs_imported"`
	AutoMap          *AutoMapResult `json:"auto_map,omitempty"`
}

// ImportEPG downloads and parses the guide of an EPG source, auto-maps the
// channels when the source allows it and stores the programmes of every
// channel mapped to the source. The source's status and counters follow
// the outcome.
func (im *Importer) ImportEPG(ctx context.Context, epgSourceID int64) (EPGImportResult, error) {
	var out EPGImportResult
	src, err := im.store.GetEPGSource(ctx, epgSourceID)
	if err != nil {
		return out, fmt.Errorf("GetEPGSource: %w", err)
	}
	logger := log.WithField("epg_source_id", src.ID)
	if err := im.store.UpdateEPGSourceStatus(ctx, src.ID, store.EPGSourceStatus{ImportStatus: models.ImportStatusImporting}); err != nil {
		return out, fmt.Errorf("UpdateEPGSourceStatus: %w", err)
	}

	out, err = im.importEPG(ctx, src)
	if err != nil {
		msg := err.Error()
		if serr := im.store.UpdateEPGSourceStatus(context.WithoutCancel(ctx), src.ID, store.EPGSourceStatus{
			ImportStatus: models.ImportStatusFailed,
			LastError:    &msg,
		}); serr != nil {
			logger.Warnf("UpdateEPGSourceStatus: %v", serr)
		}
		return out, err
	}
	now := time.Now()
	err = im.store.UpdateEPGSourceStatus(ctx, src.ID, store.EPGSourceStatus{
		ImportStatus: models.ImportStatusCompleted,
		ChannelCount: &out.ChannelsFound,
		ProgramCount: &out.ProgramsImported,
		LastUpdated:  &now,
	})
	if err != nil {
		return out, fmt.Errorf("UpdateEPGSourceStatus: %w", err)
	}
	logger.WithFields(log.Fields{
		"channels": out.ChannelsFound,
		"mapped":   out.ChannelsMapped,
		"programs": out.ProgramsImported,
	}).Info("EPG import finished")
	return out, nil
}

func (im *Importer) importEPG(ctx context.Context, src *models.EPGSource) (EPGImportResult, error) {
	var out EPGImportResult
	guide, err := im.Guide(ctx, src)
	if err != nil {
		return out, err
	}
	out.ChannelsFound = len(guide.Channels)

	if src.AutoMap {
		res, err := im.mapper.AutoMap(ctx, AutoMapRequest{EPGSourceID: src.ID, Candidates: guide.Channels})
		if err != nil {
			return out, fmt.Errorf("AutoMap: %w", err)
		}
		out.AutoMap = &res
		out.ChannelsMapped = res.Mapped + res.Updated
	}

	mappings, err := im.store.ListMappings(ctx, store.MappingFilter{EPGSourceID: &src.ID, ActiveOnly: true})
	if err != nil {
		return out, fmt.Errorf("ListMappings: %w", err)
	}
	channelsByEPGID := make(map[string][]int64, len(mappings))
	for _, mp := range mappings {
		channelsByEPGID[mp.EPGChannelID] = append(channelsByEPGID[mp.EPGChannelID], mp.ChannelID)
	}
	var programs []models.EPGProgram
	for _, p := range guide.Programs {
		for _, chID := range channelsByEPGID[p.ChannelID] {
			programs = append(programs, models.EPGProgram{
				ChannelID:         chID,
				OriginalChannelID: p.ChannelID,
				Title:             p.Title,
				Description:       optional(p.Description),
				Start:             p.Start,
				End:               p.End,
			})
		}
	}
	n, err := im.store.ReplacePrograms(ctx, src.ID, programs)
	if err != nil {
		return out, fmt.Errorf("ReplacePrograms: %w", err)
	}
	out.ProgramsImported = n
	return out, nil
}

// Guide downloads and parses the guide of an EPG source and remembers its
// channel ids for validation. Concurrent calls for the same source share
// one download.
func (im *Importer) Guide(ctx context.Context, src *models.EPGSource) (*fetcher.XMLTV, error) {
	if strings.TrimSpace(src.URL) == "" {
		return nil, ErrNoURL
	}
	// The shared download outlives any single caller; each caller still
	// stops waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := im.guides.DoChan(fmt.Sprint(src.ID), func() (any, error) {
		dctx, cancel := context.WithTimeout(shared, guideTimeout)
		defer cancel()
		dest := filepath.Join(im.dir, fmt.Sprintf("pvrguide_epg_%d.xml", src.ID))
		res, err := im.downloader.Download(dctx, fetcher.Request{URL: src.URL, Dest: dest, Format: fetcher.FormatXMLTV})
		if err != nil {
			metrics.RecordFetchError(fetcher.KindOf(err).String())
			return nil, err
		}
		defer os.Remove(dest)
		metrics.RecordFetchBytes(res.Size)
		f, err := os.Open(dest)
		if err != nil {
			return nil, fmt.Errorf("open guide: %w", err)
		}
		defer f.Close()
		return fetcher.ParseXMLTV(f)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, &fetcher.Error{Kind: fetcher.KindCancelled, Op: "Guide", URL: src.URL, Err: ctx.Err()}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	guide := r.Val.(*fetcher.XMLTV)
	im.mapper.Remember(src.ID, guide.Channels)
	return guide, nil
}

// AutoMapSource fetches the guide of an EPG source and auto-maps against it.
func (im *Importer) AutoMapSource(ctx context.Context, epgSourceID int64, force bool) (AutoMapResult, error) {
	src, err := im.store.GetEPGSource(ctx, epgSourceID)
	if err != nil {
		return AutoMapResult{}, fmt.Errorf("GetEPGSource: %w", err)
	}
	if !src.AutoMap {
		return AutoMapResult{Status: AutoMapSkipped, Reason: "Auto-mapping disabled for this source", Mappings: []MappingResult{}}, nil
	}
	guide, err := im.Guide(ctx, src)
	if err != nil {
		return AutoMapResult{}, err
	}
	return im.mapper.AutoMap(ctx, AutoMapRequest{EPGSourceID: src.ID, Candidates: guide.Channels, Force: force})
}

// CandidatePool is the merged channel list of several EPG sources.
type CandidatePool struct {
	Candidates []epgmatch.EPGChannel `json:"-"`
	Sources    []int64               `json:"sources"`
	Excluded   map[int64]string      `json:"excluded,omitempty"`
}

// Candidates loads the guides of the given EPG sources, or of every active
// one when ids is empty. A source whose guide cannot be loaded is left out
// of the pool with a warning.
func (im *Importer) Candidates(ctx context.Context, ids ...int64) (CandidatePool, error) {
	pool := CandidatePool{Excluded: map[int64]string{}}
	var sources []models.EPGSource
	if len(ids) == 0 {
		all, err := im.store.ListEPGSources(ctx, true)
		if err != nil {
			return pool, fmt.Errorf("ListEPGSources: %w", err)
		}
		sources = all
	} else {
		for _, id := range ids {
			src, err := im.store.GetEPGSource(ctx, id)
			if err != nil {
				return pool, fmt.Errorf("GetEPGSource: %w", err)
			}
			sources = append(sources, *src)
		}
	}
	for i := range sources {
		src := &sources[i]
		guide, err := im.Guide(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return pool, ctx.Err()
			}
			log.WithField("epg_source_id", src.ID).Warnf("excluding EPG source from candidates: %v", err)
			pool.Excluded[src.ID] = err.Error()
			continue
		}
		pool.Sources = append(pool.Sources, src.ID)
		pool.Candidates = append(pool.Candidates, guide.Channels...)
	}
	return pool, nil
}
