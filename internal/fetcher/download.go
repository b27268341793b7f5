package fetcher

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ChunkSize is the unit in which downloads are read and appended to disk.
const ChunkSize = 1 << 20

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 5 * time.Minute
	DefaultUserAgent      = "pvrguide/1.0"

	progressInterval = time.Second
)

// Format selects the signature check applied after a download.
type Format string

const (
	FormatAny   Format = ""
	FormatM3U   Format = "m3u"
	FormatXMLTV Format = "xmltv"
)

// Progress is reported at most once per second while a download runs, and
// once more when it finishes. Total, Percent and ETA are -1 when the size
// is unknown.
type Progress struct {
	Downloaded int64         `json:"downloaded_bytes"`
	Total      int64         `json:"total_bytes"`
	Percent    float64       `json:"percent"`
	Speed      float64       `json:"speed_bps"`
	ETA        time.Duration `json:"eta"`
}

// Request describes one download.
type Request struct {
	URL       string
	Dest      string
	UserAgent string
	Format    Format
	// OnProgress must not block.
	OnProgress func(Progress)
}

// Result describes a finished download.
type Result struct {
	Path    string
	Size    int64
	Total   int64
	Resumed bool
	Elapsed time.Duration
}

// Options configure a Downloader.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	UserAgent      string
	// Transport overrides the default transport (tests).
	Transport http.RoundTripper
}

// Downloader fetches playlists and guides to disk, resuming partial files
// with byte ranges.
type Downloader struct {
	client      *http.Client
	readTimeout time.Duration
	userAgent   string
}

var errReadTimeout = errors.New("no data received within read timeout")

// NewDownloader builds a downloader whose connect phase (dial, TLS, response
// headers) is bounded by ConnectTimeout and whose body reads may idle for at
// most ReadTimeout.
func NewDownloader(opts Options) *Downloader {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	rt := opts.Transport
	if rt == nil {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
		rt = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ConnectTimeout,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	return &Downloader{
		client:      &http.Client{Transport: rt},
		readTimeout: opts.ReadTimeout,
		userAgent:   opts.UserAgent,
	}
}

// partSuffix marks a transfer in progress. Only such files are resumed; a
// file at Dest is always a finished, verified download.
const partSuffix = ".part"

// Download fetches req.URL into req.Dest. Bytes are written to
// req.Dest+".part", which is renamed to req.Dest once the transfer and the
// signature check succeed. An existing ".part" file is resumed with a Range
// request; if the server ignores the range it is truncated and fetched
// again. Network errors leave the ".part" file in place. Cancelling ctx
// aborts the transfer and returns a KindCancelled error.
func (d *Downloader) Download(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ua := req.UserAgent
	if ua == "" {
		ua = d.userAgent
	}
	logger := log.WithFields(log.Fields{"url": redactURL(req.URL), "dest": req.Dest})

	part := req.Dest + partSuffix
	var offset int64
	if fi, err := os.Stat(part); err == nil && fi.Mode().IsRegular() {
		offset = fi.Size()
	}

	total := d.contentLength(ctx, req.URL, ua)
	if offset > 0 && total > 0 && offset > total {
		logger.Warnf("download: partial file larger than remote (%d > %d), restarting", offset, total)
		offset = 0
	}

	var (
		written int64
		resumed bool
	)
	if offset > 0 && offset == total {
		logger.Infof("download: partial file already complete (%d bytes)", offset)
		resumed = true
	} else {
		resp, err := d.get(ctx, req.URL, ua, offset)
		if err != nil {
			return Result{}, err
		}
		if offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			resp.Body.Close()
			logger.Warn("download: range not satisfiable, restarting")
			offset = 0
			if resp, err = d.get(ctx, req.URL, ua, 0); err != nil {
				return Result{}, err
			}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusPartialContent && offset > 0:
			resumed = true
			if t := rangeTotal(resp.Header.Get("Content-Range")); t > 0 {
				total = t
			}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if offset > 0 {
				logger.Infof("download: server ignored range (HTTP %d), restarting", resp.StatusCode)
			}
			offset = 0
			if total <= 0 && resp.ContentLength > 0 && contentEncoding(resp) == "" {
				total = resp.ContentLength
			}
		default:
			return Result{}, &Error{Kind: KindForStatus(resp.StatusCode), Op: "Download", URL: req.URL, Status: resp.StatusCode}
		}

		written, err = d.copyBody(ctx, req, part, resp, offset, total, start)
		if err != nil {
			return Result{}, err
		}
	}

	size := offset + written
	if req.OnProgress != nil {
		req.OnProgress(progressOf(size, total, written, time.Since(start)))
	}
	if size == 0 {
		os.Remove(part)
		return Result{}, newError("Download", req.URL, KindEmptyFile, errors.New("downloaded file is empty"))
	}
	if err := checkSignature(part, req.Format); err != nil {
		if req.Format == FormatM3U {
			os.Remove(part)
			return Result{}, newError("Download", req.URL, KindInvalidFormat, err)
		}
		logger.Warnf("download: %v", err)
	}
	if err := os.Rename(part, req.Dest); err != nil {
		return Result{}, fmt.Errorf("Download: rename %s: %w", part, err)
	}

	logger.Infof("download: %d bytes in %s (resumed=%t)", size, time.Since(start).Round(time.Millisecond), resumed)
	return Result{Path: req.Dest, Size: size, Total: total, Resumed: resumed, Elapsed: time.Since(start)}, nil
}

func (d *Downloader) copyBody(ctx context.Context, req Request, path string, resp *http.Response, offset, total int64, start time.Time) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("Download: open %s: %w", path, err)
	}
	defer f.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return 0, newError("Download", req.URL, KindInvalidFormat, err)
	}

	var (
		written  int64
		buf      = make([]byte, ChunkSize)
		throttle = rate.Sometimes{Interval: progressInterval}
	)
	for {
		if ctx.Err() != nil {
			return written, newError("Download", req.URL, KindCancelled, ctx.Err())
		}
		n, rerr := readChunk(body, buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("Download: write %s: %w", path, werr)
			}
			written += int64(n)
			if req.OnProgress != nil {
				throttle.Do(func() {
					req.OnProgress(progressOf(offset+written, total, written, time.Since(start)))
				})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, newError("Download", req.URL, KindCancelled, ctx.Err())
			}
			if errors.Is(rerr, errReadTimeout) {
				return written, newError("Download", req.URL, KindTimeout, rerr)
			}
			return written, wrap("Download", req.URL, rerr)
		}
	}
	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("Download: sync %s: %w", path, err)
	}
	return written, nil
}

// readChunk fills buf unless the body ends first. It returns io.EOF only
// at the end of the body.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// get issues the GET, resuming from offset when it is positive. The body of
// the returned response is guarded by the read timeout.
func (d *Downloader) get(ctx context.Context, url, ua string, offset int64) (*http.Response, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	hreq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel(nil)
		return nil, newError("Download", url, KindUnknown, err)
	}
	hreq.Header.Set("User-Agent", ua)
	if offset > 0 {
		hreq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		hreq.Header.Set("Accept-Encoding", "identity")
	} else {
		hreq.Header.Set("Accept-Encoding", "gzip, br")
	}
	resp, err := d.client.Do(hreq)
	if err != nil {
		cancel(nil)
		if ctx.Err() != nil {
			return nil, newError("Download", url, KindCancelled, ctx.Err())
		}
		return nil, wrap("Download", url, err)
	}
	resp.Body = newIdleReader(reqCtx, resp.Body, d.readTimeout, cancel)
	return resp, nil
}

// contentLength returns the size reported by HEAD, or -1.
func (d *Downloader) contentLength(ctx context.Context, url, ua string) int64 {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1
	}
	hreq.Header.Set("User-Agent", ua)
	hreq.Header.Set("Accept-Encoding", "identity")
	resp, err := d.client.Do(hreq)
	if err != nil {
		log.Debugf("download: HEAD %s: %v", redactURL(url), err)
		return -1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength <= 0 {
		return -1
	}
	return resp.ContentLength
}

// idleReader cancels the request when no Read completes within timeout.
type idleReader struct {
	ctx     context.Context
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func newIdleReader(ctx context.Context, rc io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *idleReader {
	r := &idleReader{ctx: ctx, rc: rc, timeout: timeout, cancel: cancel}
	r.timer = time.AfterFunc(timeout, func() { cancel(errReadTimeout) })
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.timer.Reset(r.timeout)
	if err != nil && err != io.EOF && errors.Is(context.Cause(r.ctx), errReadTimeout) {
		return n, errReadTimeout
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	err := r.rc.Close()
	r.cancel(nil)
	return err
}

func contentEncoding(resp *http.Response) string {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "identity" {
		return ""
	}
	return enc
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch contentEncoding(resp) {
	case "":
		return resp.Body, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// rangeTotal parses the complete length from "bytes a-b/total".
func rangeTotal(h string) int64 {
	i := strings.LastIndex(h, "/")
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func progressOf(downloaded, total, session int64, elapsed time.Duration) Progress {
	p := Progress{Downloaded: downloaded, Total: -1, Percent: -1, ETA: -1}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Speed = float64(session) / secs
	}
	if total > 0 {
		p.Total = total
		p.Percent = min(100, float64(downloaded)*100/float64(total))
		if p.Speed > 0 && downloaded < total {
			p.ETA = time.Duration(float64(total-downloaded) / p.Speed * float64(time.Second))
		} else if downloaded >= total {
			p.ETA = 0
		}
	}
	return p
}

var gzipMagic = []byte{0x1f, 0x8b}

// checkSignature verifies the first non-empty line of the file at path.
func checkSignature(path string, format Format) error {
	if format == FormatAny {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := maybeGzip(bufio.NewReader(f))
	if err != nil {
		return err
	}
	line := firstLine(r)
	switch format {
	case FormatM3U:
		if !strings.HasPrefix(strings.ToUpper(line), "#EXTM3U") {
			return errors.New("missing #EXTM3U header")
		}
	case FormatXMLTV:
		if !strings.HasPrefix(line, "<?xml") && !strings.HasPrefix(line, "<tv") && !strings.HasPrefix(line, "<!DOCTYPE") {
			return errors.New("content does not look like XMLTV")
		}
	}
	return nil
}

// maybeGzip transparently decompresses gzip files, which guide providers
// commonly serve as plain application/gzip payloads.
func maybeGzip(br *bufio.Reader) (io.Reader, error) {
	head, err := br.Peek(2)
	if err == nil && bytes.Equal(head, gzipMagic) {
		return gzip.NewReader(br)
	}
	return br, nil
}

func firstLine(r io.Reader) string {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line != "" {
			return line
		}
	}
	return ""
}
