package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsEndpoint(t *testing.T) {
	RecordImportJob("init")
	RecordImportChannels(0, 0, 0, 0)
	RecordFetchBytes(1)
	RecordFetchError("init")
	RecordMapping("init")
	ObserveAutoMap(time.Now())
	RegisterActiveJobs(func() int { return 3 })

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	output := string(body)

	for _, name := range []string{
		"pvrguide_import_jobs_total",
		"pvrguide_import_channels_total",
		"pvrguide_fetch_bytes_total",
		"pvrguide_fetch_errors_total",
		"pvrguide_epg_mappings_total",
		"pvrguide_automap_duration_seconds",
		"pvrguide_jobs_active 3",
	} {
		if !strings.Contains(output, name) {
			t.Errorf("Expected metric %q not found in output", name)
		}
	}
}

func TestRecordImportChannels(t *testing.T) {
	before := counterValue(t, ImportChannels.WithLabelValues("created"))
	RecordImportChannels(4, 1, 2, 0)
	if got := counterValue(t, ImportChannels.WithLabelValues("created")) - before; got != 4 {
		t.Errorf("created delta = %v, want 4", got)
	}
}

func TestRecordFetchBytesIgnoresNonPositive(t *testing.T) {
	before := counterValue(t, FetchBytes)
	RecordFetchBytes(0)
	RecordFetchBytes(-5)
	if got := counterValue(t, FetchBytes); got != before {
		t.Errorf("FetchBytes = %v, want %v", got, before)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
