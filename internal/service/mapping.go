package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/pvrguide/internal/epgmatch"
	"github.com/voyagen/pvrguide/internal/metrics"
	"github.com/voyagen/pvrguide/internal/models"
	"github.com/voyagen/pvrguide/internal/store"
)

// RecentProgramWindow is how far back a programme may start and still count
// as recent guide data for a channel.
const RecentProgramWindow = 48 * time.Hour

// minChunk is the smallest number of channels handed to one scoring worker.
const minChunk = 10

// ErrInvalidMapping is returned for a mapping with an unknown method or
// without an EPG channel id.
var ErrInvalidMapping = errors.New("invalid mapping")

// MappingInput is one channel to EPG channel association to persist.
type MappingInput struct {
	ChannelID      int64
	EPGSourceID    int64
	EPGChannelID   string
	EPGChannelName string
	Confidence     float64
	Method         models.MatchMethod
	Priority       int
}

// Mapper persists channel to EPG mappings and runs auto-mapping passes.
// It remembers the channel ids each EPG source declared in its last
// candidate pool so that validation can flag unknown ids.
type Mapper struct {
	store   store.Store
	workers int
	now     func() time.Time

	mu    sync.RWMutex
	known map[int64]map[string]struct{}
}

// NewMapper returns a Mapper over s scoring on up to workers goroutines.
func NewMapper(s store.Store, workers int) *Mapper {
	if workers < 1 {
		workers = 1
	}
	return &Mapper{store: s, workers: workers, now: time.Now, known: make(map[int64]map[string]struct{})}
}

// UpsertMapping updates the active mapping of the (channel, EPG source)
// pair in place, or inserts one. The channel's EPG pointer follows the
// mapping. A manual mapping locks the channel; any other method marks it
// auto-mapped and unlocked.
func (m *Mapper) UpsertMapping(ctx context.Context, in MappingInput) (models.ChannelEPGMapping, bool, error) {
	in.EPGChannelID = strings.TrimSpace(in.EPGChannelID)
	if in.EPGChannelID == "" || !in.Method.Valid() {
		return models.ChannelEPGMapping{}, false, fmt.Errorf("UpsertMapping: %w", ErrInvalidMapping)
	}
	if _, err := m.store.GetChannelByID(ctx, in.ChannelID); err != nil {
		return models.ChannelEPGMapping{}, false, fmt.Errorf("GetChannelByID: %w", err)
	}
	now := m.now()
	name := optional(in.EPGChannelName)
	confidence := min(max(in.Confidence, 0), 1)

	created := false
	mp, err := m.store.GetActiveMapping(ctx, in.ChannelID, in.EPGSourceID)
	switch {
	case err == nil:
		mp.EPGChannelID = in.EPGChannelID
		mp.EPGChannelName = name
		mp.Confidence = confidence
		mp.Method = in.Method
		mp.UpdatedAt = now
		if err := m.store.UpdateMapping(ctx, mp); err != nil {
			return models.ChannelEPGMapping{}, false, fmt.Errorf("UpdateMapping: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		mp = &models.ChannelEPGMapping{
			ChannelID:      in.ChannelID,
			EPGSourceID:    in.EPGSourceID,
			EPGChannelID:   in.EPGChannelID,
			EPGChannelName: name,
			Confidence:     confidence,
			Method:         in.Method,
			Active:         true,
			Priority:       in.Priority,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := m.store.CreateMapping(ctx, mp); err != nil {
			return models.ChannelEPGMapping{}, false, fmt.Errorf("CreateMapping: %w", err)
		}
		created = true
	default:
		return models.ChannelEPGMapping{}, false, fmt.Errorf("GetActiveMapping: %w", err)
	}

	// A channel is either auto-mapped or locked. Only a forced auto-map
	// reaches a locked channel here, and it replaces the manual target, so
	// the lock goes with it.
	manual := in.Method == models.MatchManual
	upd := store.ChannelEPGUpdate{
		EPGChannelID:  &in.EPGChannelID,
		AutoMapped:    !manual,
		MappingLocked: manual,
		LastEPGUpdate: &now,
	}
	if err := m.store.UpdateChannelEPG(ctx, in.ChannelID, upd); err != nil {
		return models.ChannelEPGMapping{}, false, fmt.Errorf("UpdateChannelEPG: %w", err)
	}
	metrics.RecordMapping(string(in.Method))
	return *mp, created, nil
}

// ManualMap maps a channel by hand. Auto-mapping leaves the channel alone
// until it is unlocked or all its mappings are removed.
func (m *Mapper) ManualMap(ctx context.Context, channelID, epgSourceID int64, epgChannelID, epgChannelName string) (models.ChannelEPGMapping, error) {
	src, err := m.store.GetEPGSource(ctx, epgSourceID)
	if err != nil {
		return models.ChannelEPGMapping{}, fmt.Errorf("GetEPGSource: %w", err)
	}
	mp, _, err := m.UpsertMapping(ctx, MappingInput{
		ChannelID:      channelID,
		EPGSourceID:    epgSourceID,
		EPGChannelID:   epgChannelID,
		EPGChannelName: epgChannelName,
		Confidence:     1.0,
		Method:         models.MatchManual,
		Priority:       src.Priority,
	})
	return mp, err
}

// RemoveMapping deletes the mapping of a channel within an EPG source. It
// reports false when there was none. When the channel has no active
// mapping left, both its auto-mapped and locked flags are cleared.
func (m *Mapper) RemoveMapping(ctx context.Context, channelID, epgSourceID int64) (bool, error) {
	deleted, err := m.store.DeleteMapping(ctx, channelID, epgSourceID)
	if err != nil {
		return false, fmt.Errorf("DeleteMapping: %w", err)
	}
	if !deleted {
		return false, nil
	}
	remaining, err := m.store.ListMappings(ctx, store.MappingFilter{ChannelID: &channelID, ActiveOnly: true})
	if err != nil {
		return true, fmt.Errorf("ListMappings: %w", err)
	}
	if len(remaining) > 0 {
		return true, nil
	}
	ch, err := m.store.GetChannelByID(ctx, channelID)
	if err != nil {
		return true, fmt.Errorf("GetChannelByID: %w", err)
	}
	err = m.store.UpdateChannelEPG(ctx, channelID, store.ChannelEPGUpdate{
		EPGChannelID:  ch.EPGChannelID,
		LastEPGUpdate: ch.LastEPGUpdate,
	})
	if err != nil {
		return true, fmt.Errorf("UpdateChannelEPG: %w", err)
	}
	return true, nil
}

// Unlock clears the locked flag of a channel so auto-mapping may touch it again.
func (m *Mapper) Unlock(ctx context.Context, channelID int64) error {
	ch, err := m.store.GetChannelByID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("GetChannelByID: %w", err)
	}
	err = m.store.UpdateChannelEPG(ctx, channelID, store.ChannelEPGUpdate{
		EPGChannelID:  ch.EPGChannelID,
		AutoMapped:    ch.EPGAutoMapped,
		LastEPGUpdate: ch.LastEPGUpdate,
	})
	if err != nil {
		return fmt.Errorf("UpdateChannelEPG: %w", err)
	}
	return nil
}

// DuplicateMapping is an EPG channel id shared by several active channels.
type DuplicateMapping struct {
	EPGChannelID string   `json:"epg_channel_id"`
	ChannelIDs   []int64  `json:"channel_ids"`
	ChannelNames []string `json:"channel_names"`
}

// ChannelIssue names a channel and the EPG id a validation check is about.
type ChannelIssue struct {
	ChannelID    int64  `json:"channel_id"`
	ChannelName  string `json:"channel_name"`
	EPGChannelID string `json:"epg_channel_id"`
}

// ValidationReport lists the problems found in the current mappings.
type ValidationReport struct {
	DuplicateMappings []DuplicateMapping `json:"duplicate_mappings"`
	MissingPrograms   []ChannelIssue     `json:"missing_programs"`
	InvalidEPGIDs     []ChannelIssue     `json:"invalid_epg_ids"`
}

// TotalIssues returns the number of reported problems.
func (r ValidationReport) TotalIssues() int {
	return len(r.DuplicateMappings) + len(r.MissingPrograms) + len(r.InvalidEPGIDs)
}

// ValidateAll checks the EPG ids of all active channels. Channels sharing
// an id are duplicates. A channel with an id and no programme starting in
// the last RecentProgramWindow is missing programmes. An id no EPG source
// declared in its last known channel list is invalid; that check is skipped
// until some source's channel list is known.
func (m *Mapper) ValidateAll(ctx context.Context, now time.Time) (ValidationReport, error) {
	report := ValidationReport{
		DuplicateMappings: []DuplicateMapping{},
		MissingPrograms:   []ChannelIssue{},
		InvalidEPGIDs:     []ChannelIssue{},
	}
	channels, err := m.store.ListActiveChannels(ctx)
	if err != nil {
		return report, fmt.Errorf("ListActiveChannels: %w", err)
	}
	recent, err := m.store.ChannelsWithProgramsSince(ctx, now.Add(-RecentProgramWindow))
	if err != nil {
		return report, fmt.Errorf("ChannelsWithProgramsSince: %w", err)
	}
	known := m.knownIDs()

	byID := make(map[string][]models.Channel)
	var order []string
	for _, ch := range channels {
		if !ch.HasEPGChannelID() {
			continue
		}
		id := strings.TrimSpace(*ch.EPGChannelID)
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], ch)

		issue := ChannelIssue{ChannelID: ch.ID, ChannelName: ch.Name, EPGChannelID: id}
		if !recent[ch.ID] {
			report.MissingPrograms = append(report.MissingPrograms, issue)
		}
		if known != nil {
			if _, ok := known[id]; !ok {
				report.InvalidEPGIDs = append(report.InvalidEPGIDs, issue)
			}
		}
	}
	sort.Strings(order)
	for _, id := range order {
		chs := byID[id]
		if len(chs) < 2 {
			continue
		}
		d := DuplicateMapping{EPGChannelID: id}
		for _, ch := range chs {
			d.ChannelIDs = append(d.ChannelIDs, ch.ID)
			d.ChannelNames = append(d.ChannelNames, ch.Name)
		}
		report.DuplicateMappings = append(report.DuplicateMappings, d)
	}
	return report, nil
}

// Remember records the channel ids an EPG source currently declares.
func (m *Mapper) Remember(epgSourceID int64, candidates []epgmatch.EPGChannel) {
	ids := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		ids[c.ID] = struct{}{}
	}
	m.mu.Lock()
	m.known[epgSourceID] = ids
	m.mu.Unlock()
}

// knownIDs returns the union of remembered ids, or nil when none are known.
func (m *Mapper) knownIDs() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.known) == 0 {
		return nil
	}
	out := make(map[string]struct{})
	for _, ids := range m.known {
		for id := range ids {
			out[id] = struct{}{}
		}
	}
	return out
}

// AutoMapRequest configures one auto-mapping pass against one EPG source.
type AutoMapRequest struct {
	EPGSourceID int64
	Candidates  []epgmatch.EPGChannel
	// Threshold is the minimum accepted confidence; zero selects
	// epgmatch.ThresholdWorker.
	Threshold float64
	// Force also remaps locked channels and channels already mapped to the source.
	Force bool
	// Workers overrides the Mapper's worker count when positive.
	Workers int
	// ChannelIDs restricts the pass to these channels when not empty.
	ChannelIDs []int64
}

// MappingResult is one accepted match.
type MappingResult struct {
	ChannelID      int64              `json:"channel_id"`
	ChannelName    string             `json:"channel_name"`
	EPGChannelID   string             `json:"epg_channel_id"`
	EPGChannelName string             `json:"epg_channel_name"`
	Confidence     float64            `json:"confidence"`
	MatchType      models.MatchMethod `json:"match_type"`
	MatchedOn      string             `json:"matched_on"`
}

// Auto-mapping pass outcomes.
const (
	AutoMapCompleted = "completed"
	AutoMapSkipped   = "skipped"
)

// AutoMapResult summarises an auto-mapping pass.
type AutoMapResult struct {
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Total         int             `json:"total_channels"`
	Mapped        int             `json:"mapped"`
	Updated       int             `json:"updated"`
	Failed        int             `json:"failed"`
	SkippedLocked int             `json:"skipped_locked"`
	SkippedMapped int             `json:"skipped_mapped"`
	Mappings      []MappingResult `json:"mappings"`
}

// scored is the outcome of scoring one channel. Workers produce these; only
// the orchestrating goroutine writes them to the store.
type scored struct {
	input epgmatch.ChannelInput
	match epgmatch.Candidate
	ok    bool
}

// AutoMap scores every eligible active channel against the candidates and
// writes the matches that reach the threshold.
func (m *Mapper) AutoMap(ctx context.Context, req AutoMapRequest) (AutoMapResult, error) {
	start := time.Now()
	defer metrics.ObserveAutoMap(start)
	logger := log.WithField("epg_source_id", req.EPGSourceID)

	res := AutoMapResult{Status: AutoMapCompleted, Mappings: []MappingResult{}}
	src, err := m.store.GetEPGSource(ctx, req.EPGSourceID)
	if err != nil {
		return res, fmt.Errorf("GetEPGSource: %w", err)
	}
	if !src.AutoMap {
		res.Status = AutoMapSkipped
		res.Reason = "Auto-mapping disabled for this source"
		return res, nil
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = epgmatch.ThresholdWorker
	}

	channels, err := m.store.ListActiveChannels(ctx)
	if err != nil {
		return res, fmt.Errorf("ListActiveChannels: %w", err)
	}
	mapped, err := m.store.ListMappings(ctx, store.MappingFilter{EPGSourceID: &req.EPGSourceID, ActiveOnly: true})
	if err != nil {
		return res, fmt.Errorf("ListMappings: %w", err)
	}
	hasMapping := make(map[int64]bool, len(mapped))
	for _, mp := range mapped {
		hasMapping[mp.ChannelID] = true
	}
	var only map[int64]bool
	if len(req.ChannelIDs) > 0 {
		only = make(map[int64]bool, len(req.ChannelIDs))
		for _, id := range req.ChannelIDs {
			only[id] = true
		}
	}

	inputs := make([]epgmatch.ChannelInput, 0, len(channels))
	for i := range channels {
		ch := &channels[i]
		switch {
		case only != nil && !only[ch.ID]:
		case ch.EPGMappingLocked && !req.Force:
			res.SkippedLocked++
		case hasMapping[ch.ID] && !req.Force:
			res.SkippedMapped++
		default:
			inputs = append(inputs, epgmatch.InputFromChannel(ch))
		}
	}
	res.Total = len(inputs)

	workers := m.workers
	if req.Workers > 0 {
		workers = req.Workers
	}
	results, err := scoreAll(ctx, inputs, req.Candidates, workers)
	if err != nil {
		return res, err
	}

	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !r.ok || r.match.Confidence < threshold {
			res.Failed++
			continue
		}
		_, created, err := m.UpsertMapping(ctx, MappingInput{
			ChannelID:      r.input.ID,
			EPGSourceID:    req.EPGSourceID,
			EPGChannelID:   r.match.EPGID,
			EPGChannelName: r.match.EPGName,
			Confidence:     r.match.Confidence,
			Method:         r.match.Method,
			Priority:       src.Priority,
		})
		if err != nil {
			logger.WithField("channel_id", r.input.ID).Warnf("auto-map: %v", err)
			res.Failed++
			continue
		}
		if created {
			res.Mapped++
		} else {
			res.Updated++
		}
		res.Mappings = append(res.Mappings, MappingResult{
			ChannelID:      r.input.ID,
			ChannelName:    r.input.Name,
			EPGChannelID:   r.match.EPGID,
			EPGChannelName: r.match.EPGName,
			Confidence:     r.match.Confidence,
			MatchType:      r.match.Method,
			MatchedOn:      r.match.MatchedOn,
		})
	}

	logger.WithFields(log.Fields{
		"total":          res.Total,
		"mapped":         res.Mapped,
		"updated":        res.Updated,
		"failed":         res.Failed,
		"skipped_locked": res.SkippedLocked,
	}).Info("auto-map finished")
	return res, nil
}

// chunkSize splits n items across workers, never below minChunk.
func chunkSize(n, workers int) int {
	if workers < 1 {
		workers = 1
	}
	return max(minChunk, n/workers)
}

// scoreAll scores inputs on a pool of goroutines. Each goroutine gets a
// contiguous chunk of inputs and the whole candidate list, and fills its
// own range of the result slice. Results keep input order.
func scoreAll(ctx context.Context, inputs []epgmatch.ChannelInput, candidates []epgmatch.EPGChannel, workers int) ([]scored, error) {
	out := make([]scored, len(inputs))
	size := chunkSize(len(inputs), workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for lo := 0; lo < len(inputs); lo += size {
		hi := min(lo+size, len(inputs))
		g.Go(func() error {
			scorer := epgmatch.NewWorkerScorer()
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				match, ok := scorer.FindBestMatch(inputs[i], candidates)
				out[i] = scored{input: inputs[i], match: match, ok: ok}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Suggestion is a proposed mapping for a channel with no EPG id.
type Suggestion struct {
	ChannelID      int64              `json:"channel_id"`
	ChannelName    string             `json:"channel_name"`
	EPGChannelID   string             `json:"epg_channel_id"`
	EPGChannelName string             `json:"epg_channel_name"`
	Confidence     float64            `json:"confidence"`
	MatchType      models.MatchMethod `json:"match_type"`
	MatchedOn      string             `json:"matched_on"`
}

// Suggestions proposes matches for active channels that have neither an
// EPG id nor an active mapping, best first. Nothing is written.
func (m *Mapper) Suggestions(ctx context.Context, candidates []epgmatch.EPGChannel, minConfidence float64) ([]Suggestion, error) {
	if minConfidence <= 0 {
		minConfidence = epgmatch.ThresholdSuggestion
	}
	out := []Suggestion{}
	if len(candidates) == 0 {
		return out, nil
	}
	channels, err := m.store.ListActiveChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListActiveChannels: %w", err)
	}
	mapped, err := m.store.ListMappings(ctx, store.MappingFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ListMappings: %w", err)
	}
	hasMapping := make(map[int64]bool, len(mapped))
	for _, mp := range mapped {
		hasMapping[mp.ChannelID] = true
	}

	scorer := epgmatch.NewScorer()
	for i := range channels {
		ch := &channels[i]
		if ch.HasEPGChannelID() || hasMapping[ch.ID] {
			continue
		}
		match, ok := scorer.FindBestMatch(epgmatch.InputFromChannel(ch), candidates)
		if !ok || match.Confidence < minConfidence {
			continue
		}
		out = append(out, Suggestion{
			ChannelID:      ch.ID,
			ChannelName:    ch.Name,
			EPGChannelID:   match.EPGID,
			EPGChannelName: match.EPGName,
			Confidence:     match.Confidence,
			MatchType:      match.Method,
			MatchedOn:      match.MatchedOn,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// ApplySuggestions writes suggestions to an EPG source. High-confidence
// suggestions are always applied; with includeLikely, those reaching the
// bulk threshold are applied too. It returns how many were written.
func (m *Mapper) ApplySuggestions(ctx context.Context, epgSourceID int64, suggestions []Suggestion, includeLikely bool) (int, error) {
	src, err := m.store.GetEPGSource(ctx, epgSourceID)
	if err != nil {
		return 0, fmt.Errorf("GetEPGSource: %w", err)
	}
	applied := 0
	for _, s := range suggestions {
		if s.Confidence < epgmatch.ThresholdHighConfidence && !(includeLikely && s.Confidence >= epgmatch.ThresholdBulk) {
			continue
		}
		ch, err := m.store.GetChannelByID(ctx, s.ChannelID)
		if err != nil {
			return applied, fmt.Errorf("GetChannelByID: %w", err)
		}
		if ch.EPGMappingLocked {
			continue
		}
		_, _, err = m.UpsertMapping(ctx, MappingInput{
			ChannelID:      s.ChannelID,
			EPGSourceID:    epgSourceID,
			EPGChannelID:   s.EPGChannelID,
			EPGChannelName: s.EPGChannelName,
			Confidence:     s.Confidence,
			Method:         s.MatchType,
			Priority:       src.Priority,
		})
		if err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// ChannelEPGStatus is the guide state of one active channel.
type ChannelEPGStatus struct {
	ChannelID        int64                      `json:"channel_id"`
	ChannelName      string                     `json:"channel_name"`
	ChannelNumber    *string                    `json:"channel_number,omitempty"`
	HasEPG           bool                       `json:"has_epg"`
	EPGAutoMapped    bool                       `json:"epg_auto_mapped"`
	EPGMappingLocked bool                       `json:"epg_mapping_locked"`
	LastEPGUpdate    *time.Time                 `json:"last_epg_update,omitempty"`
	Mappings         []models.ChannelEPGMapping `json:"epg_sources"`
}

// EPGStatusSummary counts channels by guide state.
type EPGStatusSummary struct {
	TotalChannels   int `json:"total_channels"`
	WithEPG         int `json:"channels_with_epg"`
	WithoutEPG      int `json:"channels_without_epg"`
	AutoMapped      int `json:"auto_mapped_channels"`
	ManualMapped    int `json:"manual_mapped_channels"`
	TotalEPGSources int `json:"total_epg_sources"`
}

// EPGStatus is the guide state of every active channel and EPG source.
type EPGStatus struct {
	Summary    EPGStatusSummary   `json:"summary"`
	Channels   []ChannelEPGStatus `json:"channels"`
	EPGSources []models.EPGSource `json:"epg_sources"`
}

// Status reports which active channels have recent guide data and how
// they are mapped.
func (m *Mapper) Status(ctx context.Context, now time.Time) (EPGStatus, error) {
	var st EPGStatus
	channels, err := m.store.ListActiveChannels(ctx)
	if err != nil {
		return st, fmt.Errorf("ListActiveChannels: %w", err)
	}
	sources, err := m.store.ListEPGSources(ctx, true)
	if err != nil {
		return st, fmt.Errorf("ListEPGSources: %w", err)
	}
	mappings, err := m.store.ListMappings(ctx, store.MappingFilter{})
	if err != nil {
		return st, fmt.Errorf("ListMappings: %w", err)
	}
	recent, err := m.store.ChannelsWithProgramsSince(ctx, now.Add(-RecentProgramWindow))
	if err != nil {
		return st, fmt.Errorf("ChannelsWithProgramsSince: %w", err)
	}
	byChannel := make(map[int64][]models.ChannelEPGMapping)
	for _, mp := range mappings {
		byChannel[mp.ChannelID] = append(byChannel[mp.ChannelID], mp)
	}

	st.Channels = make([]ChannelEPGStatus, 0, len(channels))
	st.EPGSources = sources
	if st.EPGSources == nil {
		st.EPGSources = []models.EPGSource{}
	}
	st.Summary.TotalChannels = len(channels)
	st.Summary.TotalEPGSources = len(sources)
	for _, ch := range channels {
		cs := ChannelEPGStatus{
			ChannelID:        ch.ID,
			ChannelName:      ch.Name,
			ChannelNumber:    ch.Number,
			HasEPG:           recent[ch.ID],
			EPGAutoMapped:    ch.EPGAutoMapped,
			EPGMappingLocked: ch.EPGMappingLocked,
			LastEPGUpdate:    ch.LastEPGUpdate,
			Mappings:         byChannel[ch.ID],
		}
		if cs.Mappings == nil {
			cs.Mappings = []models.ChannelEPGMapping{}
		}
		if cs.HasEPG {
			st.Summary.WithEPG++
		} else {
			st.Summary.WithoutEPG++
		}
		switch {
		case ch.EPGAutoMapped:
			st.Summary.AutoMapped++
		case len(cs.Mappings) > 0:
			st.Summary.ManualMapped++
		}
		st.Channels = append(st.Channels, cs)
	}
	return st, nil
}
