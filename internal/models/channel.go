package models

import "time"

// Channel represents one tunable stream imported from a playlist source.
// ExternalID is unique per source; the importer also keeps it unique across
// sources by rewriting colliding ids.
type Channel struct {
	ID               int64      `json:"id,omitempty" db:"id"`
	ExternalID       string     `json:"channel_id" db:"external_id"`
	Name             string     `json:"name" db:"name"`
	Number           *string    `json:"number,omitempty" db:"number"`
	LogoURL          *string    `json:"logo_url,omitempty" db:"logo_url"`
	StreamURL        string     `json:"stream_url" db:"stream_url"`
	GroupID          *int64     `json:"group_id,omitempty" db:"group_id"`
	SourceID         int64      `json:"source_id" db:"source_id"`
	Country          *string    `json:"country,omitempty" db:"country"`
	Language         *string    `json:"language,omitempty" db:"language"`
	Active           bool       `json:"is_active" db:"active"`
	EPGChannelID     *string    `json:"epg_channel_id,omitempty" db:"epg_channel_id"`
	EPGAutoMapped    bool       `json:"epg_auto_mapped" db:"epg_auto_mapped"`
	EPGMappingLocked bool       `json:"epg_mapping_locked" db:"epg_mapping_locked"`
	LastEPGUpdate    *time.Time `json:"last_epg_update,omitempty" db:"last_epg_update"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// HasEPGChannelID reports whether the legacy direct EPG pointer is set.
func (c *Channel) HasEPGChannelID() bool {
	return c.EPGChannelID != nil && *c.EPGChannelID != ""
}
