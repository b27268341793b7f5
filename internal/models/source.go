package models

import "time"

// Source represents an IPTV playlist source (e.g. one M3U URL).
type Source struct {
	ID              int64      `json:"id,omitempty" db:"id"`
	Name            string     `json:"name" db:"name"`
	URL             string     `json:"url,omitempty" db:"url"`
	EPGURL          *string    `json:"epg_url,omitempty" db:"epg_url"`
	UserAgent       string     `json:"user_agent,omitempty" db:"user_agent"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	AutoRefresh     bool       `json:"auto_refresh" db:"auto_refresh"`
	RefreshInterval int64      `json:"refresh_interval" db:"refresh_interval"` // seconds
	LastUpdated     *time.Time `json:"last_updated,omitempty" db:"last_updated"`
	CreatedAt       *time.Time `json:"created_at,omitempty" db:"created_at"`
}

// DueForRefresh reports whether an auto-refresh should run at now.
// Sources that were never imported are not due: the first import is manual.
func (s *Source) DueForRefresh(now time.Time) bool {
	if !s.Enabled || !s.AutoRefresh || s.LastUpdated == nil || s.URL == "" {
		return false
	}
	interval := time.Duration(s.RefreshInterval) * time.Second
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return !now.Before(s.LastUpdated.Add(interval))
}
