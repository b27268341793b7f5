package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voyagen/pvrguide/internal/models"
)

// Memory implements Store in process memory. It backs tests and
// single-shot runs without a database.
type Memory struct {
	mu         sync.RWMutex
	seq        int64
	sources    map[int64]*models.Source
	groups     map[int64]*models.Group
	channels   map[int64]*models.Channel
	epgSources map[int64]*models.EPGSource
	mappings   map[int64]*models.ChannelEPGMapping
	programs   []models.EPGProgram
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sources:    make(map[int64]*models.Source),
		groups:     make(map[int64]*models.Group),
		channels:   make(map[int64]*models.Channel),
		epgSources: make(map[int64]*models.EPGSource),
		mappings:   make(map[int64]*models.ChannelEPGMapping),
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func sortedKeys[V any](in map[int64]V) []int64 {
	keys := make([]int64, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// CreateOrGetSource creates a source by name if not exists, returns id.
func (m *Memory) CreateOrGetSource(_ context.Context, src *models.Source) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.Name == src.Name {
			s.URL, s.EPGURL, s.UserAgent = src.URL, src.EPGURL, src.UserAgent
			return s.ID, nil
		}
	}
	cp := *src
	cp.ID = m.nextID()
	if cp.CreatedAt == nil {
		now := time.Now()
		cp.CreatedAt = &now
	}
	m.sources[cp.ID] = &cp
	return cp.ID, nil
}

// ListSources returns all sources ordered by id.
func (m *Memory) ListSources(_ context.Context) ([]models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Source, 0, len(m.sources))
	for _, id := range sortedKeys(m.sources) {
		out = append(out, *m.sources[id])
	}
	return out, nil
}

// GetSourceByID returns a single source.
func (m *Memory) GetSourceByID(_ context.Context, sourceID int64) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("GetSourceByID: %w", ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// UpdateSourceLastUpdated sets last_updated for the source.
func (m *Memory) UpdateSourceLastUpdated(_ context.Context, sourceID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("UpdateSourceLastUpdated: %w", ErrNotFound)
	}
	s.LastUpdated = &at
	return nil
}

// GetOrCreateGroup returns group id for name/sourceID.
func (m *Memory) GetOrCreateGroup(_ context.Context, sourceID int64, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.SourceID == sourceID && g.Name == name {
			return g.ID, nil
		}
	}
	g := &models.Group{ID: m.nextID(), Name: name, SourceID: sourceID}
	m.groups[g.ID] = g
	return g.ID, nil
}

// ListGroups returns groups, optionally filtered by source id.
func (m *Memory) ListGroups(_ context.Context, sourceID *int64) ([]models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Group
	for _, g := range m.groups {
		if sourceID == nil || g.SourceID == *sourceID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) channelsWhere(keep func(*models.Channel) bool) []models.Channel {
	var out []models.Channel
	for _, id := range sortedKeys(m.channels) {
		if c := m.channels[id]; keep(c) {
			out = append(out, *c)
		}
	}
	return out
}

// ListChannelsBySource returns every channel of a source ordered by id.
func (m *Memory) ListChannelsBySource(_ context.Context, sourceID int64) ([]models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channelsWhere(func(c *models.Channel) bool { return c.SourceID == sourceID }), nil
}

// ListActiveChannels returns every active channel ordered by id.
func (m *Memory) ListActiveChannels(_ context.Context) ([]models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channelsWhere(func(c *models.Channel) bool { return c.Active }), nil
}

// ListExternalIDs returns every channel external id with its owning source.
func (m *Memory) ListExternalIDs(_ context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.channels))
	for _, c := range m.channels {
		out[c.ExternalID] = c.SourceID
	}
	return out, nil
}

// SaveChannels applies the batch record by record.
func (m *Memory) SaveChannels(_ context.Context, batch []ChannelWrite) ([]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := make([]error, len(batch))
	for i, w := range batch {
		c := w.Channel
		if m.externalIDTaken(c.ExternalID, c.ID) {
			errs[i] = fmt.Errorf("%w: %s", ErrDuplicateID, c.ExternalID)
			continue
		}
		if w.Create {
			cp := *c
			cp.ID = m.nextID()
			c.ID = cp.ID
			m.channels[cp.ID] = &cp
			continue
		}
		cur, ok := m.channels[c.ID]
		if !ok {
			errs[i] = ErrNotFound
			continue
		}
		cur.Name, cur.Number, cur.LogoURL, cur.StreamURL = c.Name, c.Number, c.LogoURL, c.StreamURL
		cur.GroupID, cur.Country, cur.Language, cur.Active = c.GroupID, c.Country, c.Language, c.Active
		cur.EPGChannelID, cur.UpdatedAt = c.EPGChannelID, c.UpdatedAt
	}
	return errs, nil
}

func (m *Memory) externalIDTaken(externalID string, self int64) bool {
	for _, c := range m.channels {
		if c.ExternalID == externalID && c.ID != self {
			return true
		}
	}
	return false
}

// DeactivateChannels marks channels inactive.
func (m *Memory) DeactivateChannels(_ context.Context, channelIDs []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, id := range channelIDs {
		if c, ok := m.channels[id]; ok && c.Active {
			c.Active = false
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// UpdateChannelEPG writes the EPG pointer and flags of a channel.
func (m *Memory) UpdateChannelEPG(_ context.Context, channelID int64, f ChannelEPGUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("UpdateChannelEPG: %w", ErrNotFound)
	}
	c.EPGChannelID = f.EPGChannelID
	c.EPGAutoMapped = f.AutoMapped
	c.EPGMappingLocked = f.MappingLocked
	c.LastEPGUpdate = f.LastEPGUpdate
	c.UpdatedAt = time.Now()
	return nil
}

// GetChannelByID returns a single channel.
func (m *Memory) GetChannelByID(_ context.Context, channelID int64) (*models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("GetChannelByID: %w", ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// ListChannels returns channels matching the filter and the total count.
func (m *Memory) ListChannels(_ context.Context, f ChannelFilter) ([]models.Channel, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(f.Search))
	all := m.channelsWhere(func(c *models.Channel) bool {
		switch {
		case f.SourceID != nil && c.SourceID != *f.SourceID:
			return false
		case f.GroupID != nil && (c.GroupID == nil || *c.GroupID != *f.GroupID):
			return false
		case f.Active != nil && c.Active != *f.Active:
			return false
		case search != "" && !strings.Contains(strings.ToLower(c.Name), search):
			return false
		}
		return true
	})
	total := len(all)
	start := min(f.offset(), total)
	end := min(start+f.limit(), total)
	return all[start:end], total, nil
}

// CreateEPGSource creates an EPG source by name if it does not exist.
func (m *Memory) CreateEPGSource(_ context.Context, src *models.EPGSource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.epgSources {
		if s.Name == src.Name {
			s.URL = src.URL
			return s.ID, nil
		}
	}
	cp := *src
	cp.ID = m.nextID()
	cp.ImportStatus = importStatusOrIdle(cp.ImportStatus)
	m.epgSources[cp.ID] = &cp
	return cp.ID, nil
}

// ListEPGSources returns EPG sources ordered by priority, highest first.
func (m *Memory) ListEPGSources(_ context.Context, activeOnly bool) ([]models.EPGSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EPGSource
	for _, id := range sortedKeys(m.epgSources) {
		if s := m.epgSources[id]; !activeOnly || s.Active {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// GetEPGSource returns a single EPG source.
func (m *Memory) GetEPGSource(_ context.Context, id int64) (*models.EPGSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.epgSources[id]
	if !ok {
		return nil, fmt.Errorf("GetEPGSource: %w", ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// UpdateEPGSourceStatus records the outcome of a guide import.
func (m *Memory) UpdateEPGSourceStatus(_ context.Context, id int64, st EPGSourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.epgSources[id]
	if !ok {
		return fmt.Errorf("UpdateEPGSourceStatus: %w", ErrNotFound)
	}
	s.ImportStatus = st.ImportStatus
	s.LastError = st.LastError
	if st.ChannelCount != nil {
		s.ChannelCount = *st.ChannelCount
	}
	if st.ProgramCount != nil {
		s.ProgramCount = *st.ProgramCount
	}
	if st.LastUpdated != nil {
		s.LastUpdated = st.LastUpdated
	}
	return nil
}

// GetActiveMapping returns the active mapping for a channel within an EPG source.
func (m *Memory) GetActiveMapping(_ context.Context, channelID, epgSourceID int64) (*models.ChannelEPGMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range sortedKeys(m.mappings) {
		mp := m.mappings[id]
		if mp.ChannelID == channelID && mp.EPGSourceID == epgSourceID && mp.Active {
			cp := *mp
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("GetActiveMapping: %w", ErrNotFound)
}

// CreateMapping inserts a mapping and returns its id. A second active
// mapping for the same pair is rejected like the unique index does.
func (m *Memory) CreateMapping(_ context.Context, mp *models.ChannelEPGMapping) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp.Active {
		for _, cur := range m.mappings {
			if cur.Active && cur.ChannelID == mp.ChannelID && cur.EPGSourceID == mp.EPGSourceID {
				return 0, fmt.Errorf("CreateMapping: active mapping exists for channel %d", mp.ChannelID)
			}
		}
	}
	cp := *mp
	cp.ID = m.nextID()
	mp.ID = cp.ID
	m.mappings[cp.ID] = &cp
	return cp.ID, nil
}

// UpdateMapping rewrites a mapping in place.
func (m *Memory) UpdateMapping(_ context.Context, mp *models.ChannelEPGMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.mappings[mp.ID]
	if !ok {
		return fmt.Errorf("UpdateMapping: %w", ErrNotFound)
	}
	cur.EPGChannelID, cur.EPGChannelName = mp.EPGChannelID, mp.EPGChannelName
	cur.Confidence, cur.Method, cur.Active, cur.UpdatedAt = mp.Confidence, mp.Method, mp.Active, mp.UpdatedAt
	return nil
}

// DeleteMapping removes the mappings of a channel within an EPG source.
func (m *Memory) DeleteMapping(_ context.Context, channelID, epgSourceID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := false
	for id, mp := range m.mappings {
		if mp.ChannelID == channelID && mp.EPGSourceID == epgSourceID {
			delete(m.mappings, id)
			deleted = true
		}
	}
	return deleted, nil
}

// ListMappings returns mappings matching the filter ordered by id.
func (m *Memory) ListMappings(_ context.Context, f MappingFilter) ([]models.ChannelEPGMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChannelEPGMapping
	for _, id := range sortedKeys(m.mappings) {
		mp := m.mappings[id]
		switch {
		case f.ChannelID != nil && mp.ChannelID != *f.ChannelID:
		case f.EPGSourceID != nil && mp.EPGSourceID != *f.EPGSourceID:
		case f.ActiveOnly && !mp.Active:
		default:
			out = append(out, *mp)
		}
	}
	return out, nil
}

// ReplacePrograms replaces every programme of an EPG source.
func (m *Memory) ReplacePrograms(_ context.Context, epgSourceID int64, programs []models.EPGProgram) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.programs[:0]
	for _, p := range m.programs {
		if p.EPGSourceID == nil || *p.EPGSourceID != epgSourceID {
			kept = append(kept, p)
		}
	}
	m.programs = kept
	for _, p := range programs {
		p.ID = m.nextID()
		sid := epgSourceID
		p.EPGSourceID = &sid
		m.programs = append(m.programs, p)
	}
	return len(programs), nil
}

// ChannelsWithProgramsSince returns channels with a programme starting at or after since.
func (m *Memory) ChannelsWithProgramsSince(_ context.Context, since time.Time) (map[int64]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]bool)
	for _, p := range m.programs {
		if !p.Start.Before(since) {
			out[p.ChannelID] = true
		}
	}
	return out, nil
}
