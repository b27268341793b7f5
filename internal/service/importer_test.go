package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voyagen/pvrguide/internal/fetcher"
	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/models"
	"github.com/voyagen/pvrguide/internal/store"
)

const testPlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="bbc1.uk" tvg-name="BBC One" group-title="UK",BBC One
http://streams.example/bbc1
#EXTINF:-1 tvg-id="news.x" group-title="News",Some News
http://streams.example/news
`

const testGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1.uk"><display-name>BBC One</display-name></channel>
  <programme channel="bbc1.uk" start="20260101120000 +0000" stop="20260101130000 +0000"><title>News at Noon</title></programme>
  <programme channel="bbc1.uk" start="20260101130000 +0000" stop="20260101140000 +0000"><title>Afternoon</title></programme>
  <programme channel="other.uk" start="20260101130000 +0000" stop="20260101140000 +0000"><title>Elsewhere</title></programme>
</tv>
`

type importerFixture struct {
	store    *store.Memory
	tracker  *jobs.Tracker
	importer *Importer
	server   *httptest.Server
	dir      string
}

func newImporterFixture(t *testing.T, handler http.Handler) *importerFixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := store.NewMemory()
	tracker := jobs.NewTracker(jobs.Options{Classify: ClassifyError})
	dir := t.TempDir()
	return &importerFixture{
		store:   s,
		tracker: tracker,
		server:  srv,
		dir:     dir,
		importer: NewImporter(ImporterOptions{
			Store:       s,
			Tracker:     tracker,
			Downloader:  fetcher.NewDownloader(fetcher.Options{}),
			Mapper:      NewMapper(s, 2),
			DownloadDir: dir,
		}),
	}
}

func (f *importerFixture) source(t *testing.T, path, epgPath string) int64 {
	t.Helper()
	src := &models.Source{Name: "iptv", URL: f.server.URL + path, Enabled: true}
	if epgPath != "" {
		u := f.server.URL + epgPath
		src.EPGURL = &u
	}
	id, err := f.store.CreateOrGetSource(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// runImport starts an import and waits for it to end.
func (f *importerFixture) runImport(t *testing.T, req StartRequest) jobs.Job {
	t.Helper()
	job, existed, err := f.importer.Start(context.Background(), req)
	if err != nil || existed {
		t.Fatalf("Start: existed=%v err=%v", existed, err)
	}
	f.importer.Wait()
	job, ok := f.tracker.Get(job.ID)
	if !ok {
		t.Fatal("job vanished")
	}
	return job
}

func serveFiles(files map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	})
}

func TestImportCompletesAndIsIdempotent(t *testing.T) {
	f := newImporterFixture(t, serveFiles(map[string]string{"/list.m3u": testPlaylist}))
	id := f.source(t, "/list.m3u", "")

	job := f.runImport(t, StartRequest{SourceID: id})
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %v, want 100", job.Progress)
	}
	if d := job.Details.Import; d == nil || d.Created != 2 || d.Processed != 2 {
		t.Fatalf("import detail = %+v, want 2 created", d)
	}
	if !strings.HasPrefix(job.Message, "Import completed: 2 created") {
		t.Errorf("message = %q", job.Message)
	}
	src, err := f.store.GetSourceByID(context.Background(), id)
	if err != nil || src.LastUpdated == nil {
		t.Errorf("source last_updated not set: %v", err)
	}

	job = f.runImport(t, StartRequest{SourceID: id})
	if d := job.Details.Import; d == nil || d.Created != 0 || d.Updated != 2 {
		t.Errorf("second import detail = %+v, want 0 created and 2 updated", d)
	}
}

func TestImportEmptyPlaylistFails(t *testing.T) {
	f := newImporterFixture(t, serveFiles(map[string]string{"/empty.m3u": ""}))
	id := f.source(t, "/empty.m3u", "")

	job := f.runImport(t, StartRequest{SourceID: id})
	if job.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorKind != string(fetcher.KindEmptyFile) {
		t.Errorf("error kind = %q, want empty_file", job.ErrorKind)
	}
	if n, _ := f.store.ListChannelsBySource(context.Background(), id); len(n) != 0 {
		t.Errorf("channels saved from a failed import: %d", len(n))
	}
}

func TestImportAfterFailedImportDownloadsAfresh(t *testing.T) {
	var (
		mu     sync.Mutex
		body   = "#EXTM3U\n#EXTINF:-1,Old Only\n"
		ranges []string
	)
	f := newImporterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cur := body
		if r.Method == http.MethodGet {
			ranges = append(ranges, r.Header.Get("Range"))
		}
		mu.Unlock()
		http.ServeContent(w, r, "list.m3u", time.Time{}, strings.NewReader(cur))
	}))
	id := f.source(t, "/list.m3u", "")

	job := f.runImport(t, StartRequest{SourceID: id})
	if job.Status != jobs.StatusFailed || job.ErrorKind != string(fetcher.KindInvalidFormat) {
		t.Fatalf("first import = %s/%s, want failed invalid_format", job.Status, job.ErrorKind)
	}
	if left, _ := os.ReadDir(f.dir); len(left) != 0 {
		t.Fatalf("download dir not empty after a failed import: %v", left)
	}

	mu.Lock()
	body = "#EXTM3U\n#EXTINF:-1 tvg-id=\"a\",Alpha\nhttp://s/a\n#EXTINF:-1 tvg-id=\"b\",Beta\nhttp://s/b\n"
	ranges = nil
	mu.Unlock()

	job = f.runImport(t, StartRequest{SourceID: id})
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("second import = %s (%s), want completed", job.Status, job.Error)
	}
	mu.Lock()
	for _, rng := range ranges {
		if rng != "" {
			t.Errorf("finished playlist was resumed with Range %q", rng)
		}
	}
	mu.Unlock()
	chs, err := f.store.ListChannelsBySource(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, c := range chs {
		got[c.ExternalID] = c.Name
	}
	if len(got) != 2 || got["a"] != "Alpha" || got["b"] != "Beta" {
		t.Errorf("channels = %v, want a=Alpha and b=Beta only", got)
	}
	if left, _ := os.ReadDir(f.dir); len(left) != 0 {
		t.Errorf("download dir not empty after import: %v", left)
	}
}

func TestImportNotFoundIsClassified(t *testing.T) {
	f := newImporterFixture(t, serveFiles(nil))
	id := f.source(t, "/missing.m3u", "")

	job := f.runImport(t, StartRequest{SourceID: id})
	if job.Status != jobs.StatusFailed || job.ErrorKind != string(fetcher.KindNotFound) {
		t.Errorf("job = %s/%s, want failed/not_found", job.Status, job.ErrorKind)
	}
}

func TestStartReturnsRunningJobAndCancel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f := newImporterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(testPlaylist))
	}))
	defer close(release)
	id := f.source(t, "/slow.m3u", "")

	first, existed, err := f.importer.Start(context.Background(), StartRequest{SourceID: id})
	if err != nil || existed {
		t.Fatalf("Start: existed=%v err=%v", existed, err)
	}
	<-started

	second, existed, err := f.importer.Start(context.Background(), StartRequest{SourceID: id})
	if err != nil {
		t.Fatal(err)
	}
	if !existed || second.ID != first.ID {
		t.Fatalf("second Start = %s existed=%v, want running job %s", second.ID, existed, first.ID)
	}

	if !f.tracker.Cancel(first.ID) {
		t.Fatal("Cancel returned false")
	}
	f.importer.Wait()
	job, _ := f.tracker.Get(first.ID)
	if job.Status != jobs.StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if n, _ := f.store.ListChannelsBySource(context.Background(), id); len(n) != 0 {
		t.Errorf("channels saved from a cancelled import: %d", len(n))
	}
}

func TestStartUnknownSource(t *testing.T) {
	f := newImporterFixture(t, serveFiles(nil))
	_, _, err := f.importer.Start(context.Background(), StartRequest{SourceID: 42})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Start = %v, want ErrNotFound", err)
	}
}

func TestImportWithAutoMap(t *testing.T) {
	f := newImporterFixture(t, serveFiles(map[string]string{
		"/list.m3u":  testPlaylist,
		"/guide.xml": testGuide,
	}))
	id := f.source(t, "/list.m3u", "/guide.xml")

	job := f.runImport(t, StartRequest{SourceID: id, AutoMap: true})
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", job.Status, job.Error)
	}
	m := job.Details.Mapping
	if m == nil || m.Err != "" {
		t.Fatalf("mapping detail = %+v", m)
	}
	if m.Mapped != 1 {
		t.Errorf("mapped = %d, want 1", m.Mapped)
	}

	ctx := context.Background()
	sources, err := f.store.ListEPGSources(ctx, false)
	if err != nil || len(sources) != 1 {
		t.Fatalf("EPG sources = %+v, %v", sources, err)
	}
	epg := sources[0]
	if epg.Name != "iptv EPG" || epg.ImportStatus != models.ImportStatusCompleted {
		t.Errorf("EPG source = %+v", epg)
	}
	if epg.ChannelCount != 1 || epg.ProgramCount != 2 {
		t.Errorf("counts = %d channels, %d programmes; want 1 and 2", epg.ChannelCount, epg.ProgramCount)
	}
}

func TestImportEPGFailureRecordsError(t *testing.T) {
	f := newImporterFixture(t, serveFiles(nil))
	ctx := context.Background()
	id, err := f.store.CreateEPGSource(ctx, &models.EPGSource{Name: "broken", URL: f.server.URL + "/nope.xml", AutoMap: true, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.importer.ImportEPG(ctx, id); fetcher.KindOf(err) != fetcher.KindNotFound {
		t.Fatalf("ImportEPG = %v, want not_found", err)
	}
	src, err := f.store.GetEPGSource(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if src.ImportStatus != models.ImportStatusFailed || src.LastError == nil {
		t.Errorf("source = %+v, want failed with an error", src)
	}
}

func TestCandidatesExcludesBrokenSources(t *testing.T) {
	f := newImporterFixture(t, serveFiles(map[string]string{"/guide.xml": testGuide}))
	ctx := context.Background()
	good, _ := f.store.CreateEPGSource(ctx, &models.EPGSource{Name: "good", URL: f.server.URL + "/guide.xml", Active: true})
	bad, _ := f.store.CreateEPGSource(ctx, &models.EPGSource{Name: "bad", URL: f.server.URL + "/gone.xml", Active: true})

	pool, err := f.importer.Candidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pool.Sources) != 1 || pool.Sources[0] != good {
		t.Errorf("sources = %v, want [%d]", pool.Sources, good)
	}
	if _, ok := pool.Excluded[bad]; !ok {
		t.Errorf("excluded = %v, want %d", pool.Excluded, bad)
	}
	if len(pool.Candidates) != 1 || pool.Candidates[0].ID != "bbc1.uk" {
		t.Errorf("candidates = %+v", pool.Candidates)
	}
}

func TestGuideSurvivesCancelledCaller(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var gets atomic.Int32
	f := newImporterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		_, _ = w.Write([]byte(testGuide))
	}))
	src := &models.EPGSource{ID: 7, Name: "guide", URL: f.server.URL + "/guide.xml"}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.importer.Guide(ctx, src)
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		guide, err := f.importer.Guide(context.Background(), src)
		if err == nil && len(guide.Channels) != 1 {
			err = errors.New("unexpected guide channels")
		}
		second <- err
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()
	if err := <-first; !fetcher.IsCancelled(err) {
		t.Fatalf("cancelled caller got %v, want cancelled", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("waiting caller got %v", err)
	}
	if n := gets.Load(); n != 1 {
		t.Errorf("guide downloaded %d times, want 1", n)
	}
	if left, _ := os.ReadDir(f.dir); len(left) != 0 {
		t.Errorf("download dir not empty: %v", left)
	}
}
