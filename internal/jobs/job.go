// Package jobs tracks long-running import jobs: their status, progress and
// details, and broadcasts every change to registered listeners.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusParsing     Status = "parsing"
	StatusImporting   Status = "importing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusParsing, StatusImporting,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a point-in-time copy of a tracked job. Mutating it has no effect on
// the tracker.
type Job struct {
	ID        string    `json:"id"`
	SourceID  int64     `json:"source_id"`
	URL       string    `json:"-"`
	EPGURL    string    `json:"-"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message"`
	Details   Details   `json:"details"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TempFile  string    `json:"-"`
}

// DownloadDetail is reported while the playlist or guide is transferred.
type DownloadDetail struct {
	Downloaded int64
	Total      int64
	Speed      float64
	ETA        time.Duration
	Resumed    bool
}

// ImportDetail is reported while parsed channels are reconciled.
type ImportDetail struct {
	Processed   int
	Total       int
	Created     int
	Updated     int
	Deactivated int
	Failed      int
	Errors      []string
}

// MappingDetail is reported by the auto-mapping phase.
type MappingDetail struct {
	Total         int
	Mapped        int
	Updated       int
	Failed        int
	SkippedLocked int
	Err           string
}

// ErrorDetail describes why a job failed.
type ErrorDetail struct {
	Kind      string
	Retryable bool
}

// Details holds the per-phase detail of a job. Each phase owns one member;
// merging replaces members that are set.
type Details struct {
	Download *DownloadDetail
	Import   *ImportDetail
	Mapping  *MappingDetail
	Error    *ErrorDetail
}

// merge returns d with every non-nil member of o copied over.
func (d Details) merge(o Details) Details {
	if o.Download != nil {
		v := *o.Download
		d.Download = &v
	}
	if o.Import != nil {
		v := *o.Import
		v.Errors = append([]string(nil), o.Import.Errors...)
		d.Import = &v
	}
	if o.Mapping != nil {
		v := *o.Mapping
		d.Mapping = &v
	}
	if o.Error != nil {
		v := *o.Error
		d.Error = &v
	}
	return d
}

// clone deep-copies d.
func (d Details) clone() Details {
	return Details{}.merge(d)
}

// Map flattens the details into the map shape exposed to API clients and
// progress listeners.
func (d Details) Map() map[string]any {
	m := map[string]any{}
	if dl := d.Download; dl != nil {
		m["downloaded"] = dl.Downloaded
		m["total"] = dl.Total
		m["speed"] = dl.Speed
		if dl.ETA >= 0 {
			m["eta"] = dl.ETA.Seconds()
		}
		if dl.Resumed {
			m["resumed"] = true
		}
	}
	if im := d.Import; im != nil {
		m["processed"] = im.Processed
		m["total"] = im.Total
		m["created"] = im.Created
		m["updated"] = im.Updated
		m["deactivated"] = im.Deactivated
		m["failed"] = im.Failed
		if len(im.Errors) > 0 {
			m["errors"] = im.Errors
		}
	}
	if mp := d.Mapping; mp != nil {
		m["epg_mapped"] = mp.Mapped
		m["epg_updated"] = mp.Updated
		m["epg_failed"] = mp.Failed
		m["epg_skipped_locked"] = mp.SkippedLocked
		if mp.Err != "" {
			m["epg_error"] = mp.Err
		}
	}
	if e := d.Error; e != nil {
		m["error_type"] = e.Kind
		m["retryable"] = e.Retryable
	}
	return m
}

// MarshalJSON encodes the flat map shape.
func (d Details) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}
