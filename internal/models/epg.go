package models

import "time"

// EPGSource is a guide-data feed (XMLTV) that channels can be mapped to.
type EPGSource struct {
	ID           int64      `json:"id,omitempty" db:"id"`
	Name         string     `json:"name" db:"name"`
	URL          string     `json:"url,omitempty" db:"url"`
	Priority     int        `json:"priority" db:"priority"`
	AutoMap      bool       `json:"auto_map" db:"auto_map"`
	Active       bool       `json:"is_active" db:"active"`
	LastUpdated  *time.Time `json:"last_updated,omitempty" db:"last_updated"`
	LastError    *string    `json:"last_error,omitempty" db:"last_error"`
	ChannelCount int        `json:"channel_count" db:"channel_count"`
	ProgramCount int        `json:"program_count" db:"program_count"`
	ImportStatus string     `json:"import_status" db:"import_status"`
}

// ChannelEPGMapping associates a channel with a channel id inside one EPG source.
// At most one active mapping exists per (ChannelID, EPGSourceID).
type ChannelEPGMapping struct {
	ID             int64       `json:"id,omitempty" db:"id"`
	ChannelID      int64       `json:"channel_id" db:"channel_id"`
	EPGSourceID    int64       `json:"epg_source_id" db:"epg_source_id"`
	EPGChannelID   string      `json:"epg_channel_id" db:"epg_channel_id"`
	EPGChannelName *string     `json:"epg_channel_name,omitempty" db:"epg_channel_name"`
	Confidence     float64     `json:"match_confidence" db:"confidence"`
	Method         MatchMethod `json:"match_method" db:"method"`
	Active         bool        `json:"is_active" db:"active"`
	Priority       int         `json:"priority" db:"priority"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// EPGProgram is one programme listing attached to a channel.
type EPGProgram struct {
	ID                int64     `json:"id,omitempty" db:"id"`
	ChannelID         int64     `json:"channel_id" db:"channel_id"`
	EPGSourceID       *int64    `json:"epg_source_id,omitempty" db:"epg_source_id"`
	OriginalChannelID string    `json:"original_channel_id" db:"original_channel_id"`
	Title             string    `json:"title" db:"title"`
	Description       *string   `json:"description,omitempty" db:"description"`
	Start             time.Time `json:"start_time" db:"start_time"`
	End               time.Time `json:"end_time" db:"end_time"`
}
