package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

const samplePlaylist = "#EXTM3U\n#EXTINF:-1 tvg-id=\"bbc1\",BBC One\nhttp://s/1\n#EXTINF:-1,CNN\nhttp://s/2\n"

func newTestDownloader() *Downloader {
	return NewDownloader(Options{ConnectTimeout: 5 * time.Second, ReadTimeout: 5 * time.Second})
}

// rangeServer serves body and honours "bytes=N-" ranges.
func rangeServer(t *testing.T, body []byte, honourRange bool) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if r.Method == http.MethodGet {
			mu.Lock()
			ranges = append(ranges, rng)
			mu.Unlock()
		}
		if honourRange && strings.HasPrefix(rng, "bytes=") {
			from, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			if err != nil || from > len(body) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, len(body)-1, len(body)))
			w.Header().Set("Content-Length", strconv.Itoa(len(body)-from))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[from:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &ranges
}

func TestDownloadFull(t *testing.T) {
	srv, _ := rangeServer(t, []byte(samplePlaylist), true)
	dest := filepath.Join(t.TempDir(), "list.m3u")

	var last Progress
	calls := 0
	res, err := newTestDownloader().Download(context.Background(), Request{
		URL: srv.URL, Dest: dest, Format: FormatM3U,
		OnProgress: func(p Progress) { last = p; calls++ },
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Size != int64(len(samplePlaylist)) || res.Resumed {
		t.Fatalf("result = %+v", res)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != samplePlaylist {
		t.Fatalf("file content = %q", got)
	}
	if calls == 0 || last.Percent != 100 || last.Total != int64(len(samplePlaylist)) {
		t.Fatalf("final progress = %+v after %d calls", last, calls)
	}
}

func TestDownloadResumesPartialFile(t *testing.T) {
	body := []byte(samplePlaylist)
	srv, ranges := rangeServer(t, body, true)
	dest := filepath.Join(t.TempDir(), "list.m3u")
	if err := os.WriteFile(dest+partSuffix, body[:10], 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !res.Resumed {
		t.Fatal("expected resumed download")
	}
	if len(*ranges) != 1 || (*ranges)[0] != "bytes=10-" {
		t.Fatalf("range headers = %v", *ranges)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, body) {
		t.Fatalf("file content = %q", got)
	}
	if _, err := os.Stat(dest + partSuffix); !os.IsNotExist(err) {
		t.Fatalf("part file left behind: %v", err)
	}
}

func TestDownloadNeverResumesFinishedFile(t *testing.T) {
	body := []byte(samplePlaylist)
	tests := []struct {
		name  string
		stale string
	}{
		{"shorter", "#EXTM3U\n#EXTINF:-1,Old Only\n"},
		{"same size", strings.Repeat("x", len(body))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ranges := rangeServer(t, body, true)
			dest := filepath.Join(t.TempDir(), "list.m3u")
			if err := os.WriteFile(dest, []byte(tt.stale), 0o644); err != nil {
				t.Fatal(err)
			}

			res, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U})
			if err != nil {
				t.Fatalf("Download: %v", err)
			}
			if res.Resumed || len(*ranges) != 1 || (*ranges)[0] != "" {
				t.Fatalf("resumed = %t, range headers = %q", res.Resumed, *ranges)
			}
			got, _ := os.ReadFile(dest)
			if !bytes.Equal(got, body) {
				t.Fatalf("file content = %q", got)
			}
		})
	}
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	body := []byte(samplePlaylist)
	srv, _ := rangeServer(t, body, false)
	dest := filepath.Join(t.TempDir(), "list.m3u")
	if err := os.WriteFile(dest+partSuffix, []byte("garbage!!"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Resumed {
		t.Fatal("server ignored range, download must not be marked resumed")
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, body) {
		t.Fatalf("file content = %q", got)
	}
}

func TestDownloadEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	dest := filepath.Join(t.TempDir(), "list.m3u")

	_, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U})
	if KindOf(err) != KindEmptyFile {
		t.Fatalf("err = %v, want empty_file", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("empty download should be removed, stat err = %v", statErr)
	}
}

func TestDownloadRejectsMissingM3UHeader(t *testing.T) {
	srv, _ := rangeServer(t, []byte("<html>login</html>"), true)
	dest := filepath.Join(t.TempDir(), "list.m3u")

	_, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U})
	if KindOf(err) != KindInvalidFormat {
		t.Fatalf("err = %v, want invalid_format", err)
	}
	if KindOf(err).Retryable() {
		t.Fatal("invalid_format must not be retryable")
	}
	for _, p := range []string{dest, dest + partSuffix} {
		if _, statErr := os.Stat(p); !os.IsNotExist(statErr) {
			t.Fatalf("%s kept after invalid download: %v", p, statErr)
		}
	}
}

func TestDownloadXMLTVSignatureIsAdvisory(t *testing.T) {
	srv, _ := rangeServer(t, []byte("not really a guide"), true)
	dest := filepath.Join(t.TempDir(), "guide.xml")

	if _, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatXMLTV}); err != nil {
		t.Fatalf("Download: %v", err)
	}
}

func TestDownloadHTTPStatusKinds(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusForbidden, KindForbidden},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusServiceUnavailable, KindServerError},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()
			_, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: filepath.Join(t.TempDir(), "x")})
			if KindOf(err) != tt.want {
				t.Fatalf("err = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestDownloadCancelled(t *testing.T) {
	srv, _ := rangeServer(t, []byte(samplePlaylist), true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestDownloader().Download(ctx, Request{URL: srv.URL, Dest: filepath.Join(t.TempDir(), "x"), Format: FormatM3U})
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestDownloadKeepsPartialOnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write([]byte(strings.Repeat("a", 100)))
		}
	}))
	defer srv.Close()
	dest := filepath.Join(t.TempDir(), "list.m3u")

	_, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U})
	if err == nil {
		t.Fatal("expected an error for a truncated body")
	}
	if !KindOf(err).Retryable() {
		t.Fatalf("kind %s should be retryable", KindOf(err))
	}
	fi, statErr := os.Stat(dest + partSuffix)
	if statErr != nil || fi.Size() != 100 {
		t.Fatalf("partial file not kept: %v %v", fi, statErr)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("unfinished download published at %s: %v", dest, statErr)
	}
}

func TestDownloadBrotli(t *testing.T) {
	var enc bytes.Buffer
	bw := brotli.NewWriter(&enc)
	bw.Write([]byte(samplePlaylist))
	bw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			w.Write([]byte(samplePlaylist))
			return
		}
		w.Header().Set("Content-Encoding", "br")
		w.Write(enc.Bytes())
	}))
	defer srv.Close()
	dest := filepath.Join(t.TempDir(), "list.m3u")

	if _, err := newTestDownloader().Download(context.Background(), Request{URL: srv.URL, Dest: dest, Format: FormatM3U}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != samplePlaylist {
		t.Fatalf("decoded content = %q", got)
	}
}

func TestProgressOf(t *testing.T) {
	p := progressOf(50, 100, 50, time.Second)
	if p.Percent != 50 || p.Speed != 50 || p.ETA != time.Second {
		t.Fatalf("progress = %+v", p)
	}
	p = progressOf(50, -1, 50, time.Second)
	if p.Total != -1 || p.Percent != -1 || p.ETA != -1 {
		t.Fatalf("unknown total progress = %+v", p)
	}
}
