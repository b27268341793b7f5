package store

import (
	"context"
	"errors"
	"time"

	"github.com/voyagen/pvrguide/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID is returned when a channel external id is already taken.
	ErrDuplicateID = errors.New("duplicate channel id")
)

// Store defines persistence for sources, groups, channels, EPG sources,
// channel-to-EPG mappings and programmes.
type Store interface {
	// CreateOrGetSource creates a source by name if it does not exist and returns its id.
	CreateOrGetSource(ctx context.Context, src *models.Source) (int64, error)
	// ListSources returns all playlist sources.
	ListSources(ctx context.Context) ([]models.Source, error)
	// GetSourceByID returns a single source.
	GetSourceByID(ctx context.Context, sourceID int64) (*models.Source, error)
	// UpdateSourceLastUpdated sets last_updated for the source.
	UpdateSourceLastUpdated(ctx context.Context, sourceID int64, at time.Time) error

	// GetOrCreateGroup returns the group id for name within sourceID, creating it if needed.
	GetOrCreateGroup(ctx context.Context, sourceID int64, name string) (int64, error)
	// ListGroups returns groups, optionally filtered by source id.
	ListGroups(ctx context.Context, sourceID *int64) ([]models.Group, error)

	// ListChannelsBySource returns every channel of a source, active or not.
	ListChannelsBySource(ctx context.Context, sourceID int64) ([]models.Channel, error)
	// ListExternalIDs returns every channel external id with its owning source.
	ListExternalIDs(ctx context.Context) (map[string]int64, error)
	// SaveChannels writes a batch of channel creations and updates in one
	// commit. A failing record does not affect the others: errs is aligned
	// with batch and err reports a failure of the batch as a whole.
	// Created channels get their ID set.
	SaveChannels(ctx context.Context, batch []ChannelWrite) (errs []error, err error)
	// DeactivateChannels marks channels inactive and returns how many changed.
	DeactivateChannels(ctx context.Context, channelIDs []int64) (int64, error)
	// UpdateChannelEPG writes the EPG pointer and flags of a channel.
	UpdateChannelEPG(ctx context.Context, channelID int64, fields ChannelEPGUpdate) error
	// GetChannelByID returns a single channel.
	GetChannelByID(ctx context.Context, channelID int64) (*models.Channel, error)
	// ListChannels returns channels matching the filter and the total count before limit/offset.
	ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, int, error)
	// ListActiveChannels returns every active channel ordered by id.
	ListActiveChannels(ctx context.Context) ([]models.Channel, error)

	// CreateEPGSource creates an EPG source by name if it does not exist and returns its id.
	CreateEPGSource(ctx context.Context, src *models.EPGSource) (int64, error)
	// ListEPGSources returns EPG sources ordered by priority.
	ListEPGSources(ctx context.Context, activeOnly bool) ([]models.EPGSource, error)
	// GetEPGSource returns a single EPG source.
	GetEPGSource(ctx context.Context, id int64) (*models.EPGSource, error)
	// UpdateEPGSourceStatus records the outcome of a guide import.
	UpdateEPGSourceStatus(ctx context.Context, id int64, st EPGSourceStatus) error

	// GetActiveMapping returns the active mapping of a channel within an EPG source.
	GetActiveMapping(ctx context.Context, channelID, epgSourceID int64) (*models.ChannelEPGMapping, error)
	// CreateMapping inserts a mapping and returns its id.
	CreateMapping(ctx context.Context, m *models.ChannelEPGMapping) (int64, error)
	// UpdateMapping rewrites the target, confidence, method and timestamps of a mapping.
	UpdateMapping(ctx context.Context, m *models.ChannelEPGMapping) error
	// DeleteMapping removes the mapping of a channel within an EPG source.
	DeleteMapping(ctx context.Context, channelID, epgSourceID int64) (bool, error)
	// ListMappings returns mappings matching the filter.
	ListMappings(ctx context.Context, filter MappingFilter) ([]models.ChannelEPGMapping, error)

	// ReplacePrograms replaces every programme of an EPG source.
	ReplacePrograms(ctx context.Context, epgSourceID int64, programs []models.EPGProgram) (int, error)
	// ChannelsWithProgramsSince returns the ids of channels with a programme starting at or after since.
	ChannelsWithProgramsSince(ctx context.Context, since time.Time) (map[int64]bool, error)
}

// ChannelWrite is one element of a SaveChannels batch.
type ChannelWrite struct {
	Channel *models.Channel
	Create  bool
}

// ChannelEPGUpdate holds the EPG-related columns of a channel.
type ChannelEPGUpdate struct {
	EPGChannelID  *string
	AutoMapped    bool
	MappingLocked bool
	LastEPGUpdate *time.Time
}

// ChannelFilter holds optional filters for listing channels.
type ChannelFilter struct {
	SourceID *int64
	GroupID  *int64
	Active   *bool
	Search   string // case-insensitive substring match on channel name
	Limit    int    // default 50, max 200
	Offset   int
}

// Limits of ChannelFilter.
const (
	DefaultChannelLimit = 50
	MaxChannelLimit     = 200
)

func (f ChannelFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultChannelLimit
	case f.Limit > MaxChannelLimit:
		return MaxChannelLimit
	}
	return f.Limit
}

func (f ChannelFilter) offset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// MappingFilter holds optional filters for listing mappings.
type MappingFilter struct {
	ChannelID   *int64
	EPGSourceID *int64
	ActiveOnly  bool
}

// EPGSourceStatus is the outcome of a guide import.
type EPGSourceStatus struct {
	ImportStatus string
	LastError    *string
	ChannelCount *int
	ProgramCount *int
	LastUpdated  *time.Time
}
